package protocol

// Frame header: [1B kind][2B payload_length little-endian]
const FrameHeaderSize = 3

// Request: [1B kind][2B value little-endian], value is the header length for
// header requests and the chunk number for content requests.
const RequestSize = 3

// Maximum payload size (16 KB), the largest chunk size any transport uses.
const MaxPayloadSize = 16 * 1024

// Kind tags a frame or request.
type Kind byte

const (
	KindContent Kind = 0x00
	KindHeader  Kind = 0x01

	// Kinds beyond content and header.
	KindError Kind = 0x02 // dispatcher rejected the request, payload is the reason
	KindAuth  Kind = 0x10 // QUIC passkey handshake
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindHeader:
		return "header"
	case KindError:
		return "error"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// AuthStatus is the single payload byte of a server auth reply.
type AuthStatus byte

const (
	AuthOK     AuthStatus = 0
	AuthFailed AuthStatus = 1
)

// AuthTokenSize is the HMAC token carried by a client auth frame.
const AuthTokenSize = 32

// UART host commands. Each is sent as one newline-terminated ASCII line.
const (
	CmdReady  = "ready"
	CmdHeader = "header"
	CmdData   = "data"
	CmdDone   = "done"
)

// DefaultHandshake is the line the UART host sends once it is ready to serve.
const DefaultHandshake = "Python Ready for firmware update process"

// MaxLineLength bounds a UART command or handshake line.
const MaxLineLength = 128
