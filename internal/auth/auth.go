// Package auth implements the shared-passkey check used on QUIC transfers.
// The client proves knowledge of the passkey with an HMAC over keying
// material exported from the TLS session, so a token cannot be replayed on
// another connection.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	PasskeySize = 32
	TokenSize   = sha256.Size

	exporterLabel  = "rpsota-auth-v1"
	exporterLength = 32
)

var ErrPasskeySize = errors.New("passkey must be 32 bytes")

// GeneratePasskey returns a cryptographically random 32-byte passkey.
func GeneratePasskey() ([]byte, error) {
	key := make([]byte, PasskeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParsePasskey decodes a hex passkey as stored in config files.
func ParsePasskey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode passkey: %w", err)
	}
	if len(key) != PasskeySize {
		return nil, fmt.Errorf("%w: got %d", ErrPasskeySize, len(key))
	}
	return key, nil
}

// EncodePasskey is the inverse of ParsePasskey.
func EncodePasskey(key []byte) string {
	return hex.EncodeToString(key)
}

// ComputeAuthToken computes HMAC-SHA256(passkey, exporterMaterial).
func ComputeAuthToken(passkey, exporterMaterial []byte) [TokenSize]byte {
	mac := hmac.New(sha256.New, passkey)
	mac.Write(exporterMaterial)
	var token [TokenSize]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyAuthToken checks token against HMAC-SHA256(passkey, exporterMaterial)
// in constant time.
func VerifyAuthToken(passkey, exporterMaterial []byte, token [TokenSize]byte) bool {
	expected := ComputeAuthToken(passkey, exporterMaterial)
	return hmac.Equal(token[:], expected[:])
}

// SessionToken derives the token for one TLS session.
func SessionToken(state tls.ConnectionState, passkey []byte) ([TokenSize]byte, error) {
	material, err := state.ExportKeyingMaterial(exporterLabel, nil, exporterLength)
	if err != nil {
		return [TokenSize]byte{}, fmt.Errorf("export keying material: %w", err)
	}
	return ComputeAuthToken(passkey, material), nil
}

// VerifySession checks a token received on the TLS session described by state.
func VerifySession(state tls.ConnectionState, passkey []byte, token [TokenSize]byte) (bool, error) {
	material, err := state.ExportKeyingMaterial(exporterLabel, nil, exporterLength)
	if err != nil {
		return false, fmt.Errorf("export keying material: %w", err)
	}
	return VerifyAuthToken(passkey, material, token), nil
}
