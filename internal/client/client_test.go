package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/rpsota/rpsota/internal/loader"
	"github.com/rpsota/rpsota/internal/protocol"
	"github.com/rpsota/rpsota/internal/rps"
	"github.com/rpsota/rpsota/internal/transport"
)

// fakeTransport serves img in chunk-sized pieces. The hooks replace the
// default answers when set.
type fakeTransport struct {
	img   []byte
	chunk int

	header  func(call int) (protocol.Frame, error)
	content func(n uint16, length int) (protocol.Frame, error)

	headerCalls int
	requested   []uint16
	lengths     []int
	completed   int
}

func (f *fakeTransport) RequestHeader(ctx context.Context) (protocol.Frame, error) {
	f.headerCalls++
	if f.header != nil {
		return f.header(f.headerCalls)
	}
	return protocol.Frame{Kind: protocol.KindHeader, Payload: f.img[:rps.HeaderSize]}, nil
}

func (f *fakeTransport) RequestContent(ctx context.Context, n uint16, length int) (protocol.Frame, error) {
	f.requested = append(f.requested, n)
	f.lengths = append(f.lengths, length)
	if f.content != nil {
		return f.content(n, length)
	}
	off := rps.HeaderSize + int(rps.ContentOffset(f.chunk, int(n)))
	end := min(off+f.chunk, len(f.img))
	return protocol.Frame{Kind: protocol.KindContent, Payload: f.img[off:end]}, nil
}

func (f *fakeTransport) Close() error { return nil }

// completingTransport also implements transport.Completer.
type completingTransport struct {
	*fakeTransport
}

func (c completingTransport) Complete(ctx context.Context) error {
	c.completed++
	return nil
}

// stubLoader lets tests control Begin and Append results.
type stubLoader struct {
	begun    [][]byte
	beginErr error
	appends  int
	status   loader.Status
	err      error
	aborted  bool
}

func (s *stubLoader) Begin(header []byte) error {
	s.begun = append(s.begun, append([]byte(nil), header...))
	return s.beginErr
}

func (s *stubLoader) Append(chunk []byte) (loader.Status, error) {
	s.appends++
	return s.status, s.err
}

func (s *stubLoader) Abort() { s.aborted = true }

func testImage(t *testing.T, n int) []byte {
	t.Helper()
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i*7 + 3)
	}
	img, err := rps.Pack(rps.Header{FirmwareVersion: 0x01020304}, content)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func fastConfig(chunk int) Config {
	return Config{
		ChunkSize:          chunk,
		HeaderRetryBackoff: time.Millisecond,
		MaxRetryBackoff:    2 * time.Millisecond,
		SessionID:          "test",
	}
}

func corruptHeader(img []byte) []byte {
	h := append([]byte(nil), img[:rps.HeaderSize]...)
	h[rps.MagicOffset] ^= 0xFF
	return h
}

func TestRunTransfersImage(t *testing.T) {
	img := testImage(t, 2500)
	ft := &fakeTransport{img: img, chunk: 800}
	mem := loader.NewMemory()

	s, err := New(ft, mem, fastConfig(800)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.State != Completed {
		t.Fatalf("state = %v", s.State)
	}
	if !bytes.Equal(mem.Bytes(), img) {
		t.Fatal("loaded image differs")
	}
	if s.TotalChunks != 5 || s.LastChunkLen != 100 || s.ImageSize != len(img) {
		t.Fatalf("accounting = %d/%d/%d", s.TotalChunks, s.LastChunkLen, s.ImageSize)
	}
	if s.HeaderRequests != 1 || ft.headerCalls != 1 {
		t.Fatalf("header requests = %d", s.HeaderRequests)
	}
	wantChunks := []uint16{2, 3, 4, 5}
	wantLens := []int{800, 800, 800, 100}
	if fmt.Sprint(ft.requested) != fmt.Sprint(wantChunks) || fmt.Sprint(ft.lengths) != fmt.Sprint(wantLens) {
		t.Fatalf("requests = %v %v", ft.requested, ft.lengths)
	}
	if s.BytesAppended != 2500 {
		t.Fatalf("bytes appended = %d", s.BytesAppended)
	}
	if s.Header.Version() != "1.2.3.4" {
		t.Fatalf("version = %s", s.Header.Version())
	}
	if s.Finished.IsZero() || s.Duration() < 0 {
		t.Fatal("finish time not recorded")
	}
}

func TestRunExactMultipleOfChunk(t *testing.T) {
	img := testImage(t, 1024*3)
	ft := &fakeTransport{img: img, chunk: 1024}
	mem := loader.NewMemory()

	s, err := New(ft, mem, fastConfig(1024)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalChunks != 4 || s.LastChunkLen != 1024 {
		t.Fatalf("accounting = %d/%d", s.TotalChunks, s.LastChunkLen)
	}
	if mem.Appends() != 3 {
		t.Fatalf("appends = %d", mem.Appends())
	}
}

func TestRunRetriesInvalidHeader(t *testing.T) {
	img := testImage(t, 300)
	ft := &fakeTransport{img: img, chunk: 128}
	ft.header = func(call int) (protocol.Frame, error) {
		switch call {
		case 1:
			return protocol.Frame{Kind: protocol.KindHeader, Payload: corruptHeader(img)}, nil
		case 2:
			return protocol.Frame{Kind: protocol.KindHeader, Payload: img[:20]}, nil
		}
		return protocol.Frame{Kind: protocol.KindHeader, Payload: img[:rps.HeaderSize]}, nil
	}
	mem := loader.NewMemory()

	s, err := New(ft, mem, fastConfig(128)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.HeaderRequests != 3 {
		t.Fatalf("header requests = %d, want 3", s.HeaderRequests)
	}
	if !bytes.Equal(mem.Bytes(), img) {
		t.Fatal("loaded image differs")
	}
}

func TestRunHeaderRetriesExhausted(t *testing.T) {
	img := testImage(t, 300)
	ft := &fakeTransport{img: img, chunk: 128}
	ft.header = func(int) (protocol.Frame, error) {
		return protocol.Frame{Kind: protocol.KindHeader, Payload: corruptHeader(img)}, nil
	}
	sl := &stubLoader{}
	cfg := fastConfig(128)
	cfg.MaxHeaderRetries = 2

	s, err := New(ft, sl, cfg).Run(context.Background())
	if !errors.Is(err, ErrHeaderRetriesExhausted) {
		t.Fatalf("expected ErrHeaderRetriesExhausted, got %v", err)
	}
	var terr *TransferError
	if !errors.As(err, &terr) || terr.State != AwaitingHeader || terr.Chunk != 1 {
		t.Fatalf("transfer error = %+v", terr)
	}
	if s.State != Failed || ft.headerCalls != 3 {
		t.Fatalf("state %v after %d header calls", s.State, ft.headerCalls)
	}
	if len(sl.begun) != 0 || len(ft.requested) != 0 {
		t.Fatal("loader begun or content requested without a valid header")
	}
	if !sl.aborted {
		t.Fatal("loader not aborted")
	}
}

func TestRunLoaderBeginRejected(t *testing.T) {
	img := testImage(t, 300)
	ft := &fakeTransport{img: img, chunk: 128}
	errFlash := errors.New("flash region locked")
	sl := &stubLoader{beginErr: errFlash}

	s, err := New(ft, sl, fastConfig(128)).Run(context.Background())
	if !errors.Is(err, errFlash) {
		t.Fatalf("expected loader error, got %v", err)
	}
	var terr *TransferError
	if !errors.As(err, &terr) || terr.State != AwaitingHeader {
		t.Fatalf("transfer error = %+v", terr)
	}
	if s.State != Failed {
		t.Fatalf("state = %v, want failed", s.State)
	}
	if len(sl.begun) != 1 || len(ft.requested) != 0 || sl.appends != 0 {
		t.Fatalf("begun %d, requested %v, appends %d", len(sl.begun), ft.requested, sl.appends)
	}
	if !sl.aborted {
		t.Fatal("loader not aborted")
	}
}

func TestRunNoHeaderRetries(t *testing.T) {
	img := testImage(t, 300)
	ft := &fakeTransport{img: img, chunk: 128}
	ft.header = func(int) (protocol.Frame, error) {
		return protocol.Frame{Kind: protocol.KindHeader, Payload: corruptHeader(img)}, nil
	}
	cfg := fastConfig(128)
	cfg.MaxHeaderRetries = -1

	if _, err := New(ft, loader.NewMemory(), cfg).Run(context.Background()); !errors.Is(err, ErrHeaderRetriesExhausted) {
		t.Fatalf("expected ErrHeaderRetriesExhausted, got %v", err)
	}
	if ft.headerCalls != 1 {
		t.Fatalf("header calls = %d, want 1", ft.headerCalls)
	}
}

func TestRunHeaderWrongKind(t *testing.T) {
	img := testImage(t, 300)
	ft := &fakeTransport{img: img, chunk: 128}
	ft.header = func(int) (protocol.Frame, error) {
		return protocol.Frame{Kind: protocol.KindContent, Payload: img[:rps.HeaderSize]}, nil
	}

	_, err := New(ft, loader.NewMemory(), fastConfig(128)).Run(context.Background())
	if !errors.Is(err, ErrUnexpectedKind) {
		t.Fatalf("expected ErrUnexpectedKind, got %v", err)
	}
	if ft.headerCalls != 1 {
		t.Fatalf("wrong kind retried: %d calls", ft.headerCalls)
	}
}

func TestRunRejectedChunk(t *testing.T) {
	img := testImage(t, 1000)
	ft := &fakeTransport{img: img, chunk: 256}
	ft.content = func(n uint16, length int) (protocol.Frame, error) {
		if n == 3 {
			return protocol.ErrorFrame("chunk 3 out of range"), nil
		}
		off := rps.HeaderSize + int(rps.ContentOffset(ft.chunk, int(n)))
		return protocol.Frame{Kind: protocol.KindContent, Payload: img[off : off+length]}, nil
	}
	sl := &stubLoader{}

	s, err := New(ft, sl, fastConfig(256)).Run(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	var terr *TransferError
	if !errors.As(err, &terr) || terr.State != ReceivingContent || terr.Chunk != 3 {
		t.Fatalf("transfer error = %+v", terr)
	}
	if !strings.Contains(err.Error(), "chunk 3") {
		t.Fatalf("error text = %q", err)
	}
	if s.State != Failed || sl.appends != 1 || !sl.aborted {
		t.Fatalf("state %v, appends %d, aborted %v", s.State, sl.appends, sl.aborted)
	}
}

func TestRunShortChunk(t *testing.T) {
	img := testImage(t, 1000)
	ft := &fakeTransport{img: img, chunk: 256}
	ft.content = func(n uint16, length int) (protocol.Frame, error) {
		return protocol.Frame{Kind: protocol.KindContent, Payload: make([]byte, length-1)}, nil
	}

	_, err := New(ft, loader.NewMemory(), fastConfig(256)).Run(context.Background())
	if !errors.Is(err, ErrUnexpectedLength) {
		t.Fatalf("expected ErrUnexpectedLength, got %v", err)
	}
}

func TestRunChunkSizeMismatch(t *testing.T) {
	// Source uses 512-byte chunks, client expects 256.
	img := testImage(t, 1000)
	ft := &fakeTransport{img: img, chunk: 512}

	_, err := New(ft, loader.NewMemory(), fastConfig(256)).Run(context.Background())
	if !errors.Is(err, ErrUnexpectedLength) {
		t.Fatalf("expected ErrUnexpectedLength, got %v", err)
	}
}

func TestRunTransportError(t *testing.T) {
	img := testImage(t, 1000)
	ft := &fakeTransport{img: img, chunk: 256}
	ft.content = func(uint16, int) (protocol.Frame, error) {
		return protocol.Frame{}, transport.ErrTimeout
	}

	s, err := New(ft, loader.NewMemory(), fastConfig(256)).Run(context.Background())
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s.State != Failed || s.CurrentChunk != 2 {
		t.Fatalf("state %v at chunk %d", s.State, s.CurrentChunk)
	}
}

func TestRunLoaderNeverDone(t *testing.T) {
	img := testImage(t, 1000)
	ft := &fakeTransport{img: img, chunk: 256}
	sl := &stubLoader{status: loader.StatusOK}

	_, err := New(ft, sl, fastConfig(256)).Run(context.Background())
	if !errors.Is(err, ErrLoaderIncomplete) {
		t.Fatalf("expected ErrLoaderIncomplete, got %v", err)
	}
	if sl.appends != 4 || len(ft.requested) != 4 {
		t.Fatalf("appends %d, requests %d", sl.appends, len(ft.requested))
	}
}

func TestRunLoaderDoneEarly(t *testing.T) {
	img := testImage(t, 1000)
	ft := &fakeTransport{img: img, chunk: 256}
	sl := &stubLoader{status: loader.StatusDone}

	s, err := New(ft, sl, fastConfig(256)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.State != Completed || len(ft.requested) != 1 {
		t.Fatalf("state %v after %d requests", s.State, len(ft.requested))
	}
}

func TestRunLoaderError(t *testing.T) {
	img := testImage(t, 1000)
	ft := &fakeTransport{img: img, chunk: 256}
	sl := &stubLoader{err: loader.ErrChecksum}

	_, err := New(ft, sl, fastConfig(256)).Run(context.Background())
	if !errors.Is(err, loader.ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
	if !sl.aborted {
		t.Fatal("loader not aborted")
	}
}

func TestRunCompletionHooks(t *testing.T) {
	img := testImage(t, 500)
	ct := completingTransport{&fakeTransport{img: img, chunk: 128}}

	var hooked *Session
	cfg := fastConfig(128)
	cfg.OnComplete = func(s *Session) error {
		hooked = s
		return nil
	}
	s, err := New(ct, loader.NewMemory(), cfg).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ct.completed != 1 {
		t.Fatalf("Complete called %d times", ct.completed)
	}
	if hooked != s {
		t.Fatal("OnComplete not called with the session")
	}
}

func TestRunOnCompleteError(t *testing.T) {
	img := testImage(t, 500)
	ft := &fakeTransport{img: img, chunk: 128}
	boom := errors.New("reset failed")
	cfg := fastConfig(128)
	cfg.OnComplete = func(*Session) error { return boom }

	s, err := New(ft, loader.NewMemory(), cfg).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if s.State != Completed {
		t.Fatalf("state = %v, want completed", s.State)
	}
}

func TestRunProgress(t *testing.T) {
	img := testImage(t, 2500)
	ft := &fakeTransport{img: img, chunk: 800}

	var got []Progress
	cfg := fastConfig(800)
	cfg.Progress = func(p Progress) { got = append(got, p) }
	if _, err := New(ft, loader.NewMemory(), cfg).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("progress calls = %d, want 5", len(got))
	}
	if got[0].Bytes != 0 || got[0].TotalBytes != 2500 || got[0].TotalChunks != 5 {
		t.Fatalf("first progress = %+v", got[0])
	}
	last := got[len(got)-1]
	if last.Bytes != 2500 || last.Chunk != 5 || last.SessionID != "test" {
		t.Fatalf("last progress = %+v", last)
	}
}

func TestRunCancelDuringBackoff(t *testing.T) {
	img := testImage(t, 300)
	ft := &fakeTransport{img: img, chunk: 128}
	ft.header = func(int) (protocol.Frame, error) {
		return protocol.Frame{Kind: protocol.KindHeader, Payload: corruptHeader(img)}, nil
	}
	cfg := fastConfig(128)
	cfg.HeaderRetryBackoff = time.Hour
	cfg.MaxRetryBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := New(ft, loader.NewMemory(), cfg).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunGeneratesSessionID(t *testing.T) {
	img := testImage(t, 100)
	ft := &fakeTransport{img: img, chunk: 64}
	cfg := fastConfig(64)
	cfg.SessionID = ""

	s, err := New(ft, loader.NewMemory(), cfg).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ID) != 36 {
		t.Fatalf("session id = %q", s.ID)
	}
}

func TestBackoff(t *testing.T) {
	c := New(nil, nil, Config{HeaderRetryBackoff: 100 * time.Millisecond, MaxRetryBackoff: time.Second})
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w*time.Millisecond {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		AwaitingHeader:   "awaiting-header",
		ReceivingContent: "receiving-content",
		Completed:        "completed",
		Failed:           "failed",
		State(9):         "state(9)",
	} {
		if s.String() != want {
			t.Fatalf("%d.String() = %q", int(s), s.String())
		}
	}
}

type statsTransport struct {
	*fakeTransport
}

func (statsTransport) ConnectionStats() quic.ConnectionStats {
	return quic.ConnectionStats{
		MinRTT:      2 * time.Millisecond,
		SmoothedRTT: 3 * time.Millisecond,
		PacketsSent: 42,
		BytesSent:   4096,
	}
}

func TestProfile(t *testing.T) {
	img := testImage(t, 2500)
	st := statsTransport{&fakeTransport{img: img, chunk: 800}}
	s, err := New(st, loader.NewMemory(), fastConfig(800)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	p := NewProfile(s, st)
	if p.State != "completed" || p.Chunks != 5 || p.BytesAppended != 2500 || p.Version != "1.2.3.4" {
		t.Fatalf("profile = %+v", p)
	}
	if p.Traffic == nil || p.Traffic.PktsSent != 42 || p.RTT.MinMs != 2 {
		t.Fatalf("quic stats missing: %+v", p)
	}

	var buf bytes.Buffer
	p.Print(&buf)
	for _, want := range []string{"Transfer Profile", "sent=4.0KB/42pkts", "5 chunks"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("summary missing %q:\n%s", want, buf.String())
		}
	}

	name, err := p.WriteJSON(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"pkts_sent": 42`) {
		t.Fatalf("json = %s", data)
	}

	// Without QUIC stats the network sections are left out.
	if p := NewProfile(s, &fakeTransport{}); p.RTT != nil || p.Traffic != nil {
		t.Fatal("unexpected quic stats")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1.0KB"},
		{1 << 20, "1.0MB"},
		{3 << 30, "3.0GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
