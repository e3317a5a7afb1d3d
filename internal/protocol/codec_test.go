package protocol

import (
	"io"
	"testing"
	"time"
)

// mockStream wraps two io.Pipe connections for bidirectional communication.
type mockStream struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (m *mockStream) Read(p []byte) (int, error) {
	return m.reader.Read(p)
}

func (m *mockStream) Write(p []byte) (int, error) {
	return m.writer.Write(p)
}

func (m *mockStream) Close() error {
	m.reader.Close()
	m.writer.Close()
	return nil
}

// newMockStreamPair creates two connected mock streams for testing.
func newMockStreamPair() (*mockStream, *mockStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()

	stream1 := &mockStream{reader: r1, writer: w2}
	stream2 := &mockStream{reader: r2, writer: w1}

	return stream1, stream2
}

func TestCodecRegisterRoundTrip(t *testing.T) {
	a, b := newMockStreamPair()
	defer a.Close()
	defer b.Close()

	client := NewCodec(a)
	server := NewCodec(b)

	done := make(chan error, 1)
	go func() {
		done <- client.SendRegister("myapp")
	}()

	msg, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendRegister: %v", err)
	}

	reg, ok := msg.(*RegisterPayload)
	if !ok {
		t.Fatalf("got %T, want *RegisterPayload", msg)
	}
	if reg.Subdomain != "myapp" {
		t.Errorf("Subdomain = %q, want %q", reg.Subdomain, "myapp")
	}
	if reg.ProtocolVersion != ProtocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", reg.ProtocolVersion, ProtocolVersion)
	}
}

func TestCodecRequestResponseRoundTrip(t *testing.T) {
	a, b := newMockStreamPair()
	defer a.Close()
	defer b.Close()

	server := NewCodec(a)
	client := NewCodec(b)

	req := &RequestPayload{
		RequestID: 42,
		Method:    "POST",
		Path:      "/hello?x=1",
		Headers: Headers{
			{Name: "X-Foo", Value: "bar"},
			{Name: "X-Foo", Value: "baz"},
		},
		Body: []byte("hello world"),
	}

	done := make(chan error, 1)
	go func() { done <- server.SendRequest(req) }()

	msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	got, ok := msg.(*RequestPayload)
	if !ok {
		t.Fatalf("got %T, want *RequestPayload", msg)
	}
	if got.RequestID != req.RequestID || got.Method != req.Method || got.Path != req.Path {
		t.Errorf("decoded payload mismatch: %+v", got)
	}
	if string(got.Body) != string(req.Body) {
		t.Errorf("Body = %q, want %q", got.Body, req.Body)
	}
	if v := got.Headers.Values("x-foo"); len(v) != 2 || v[0] != "bar" || v[1] != "baz" {
		t.Errorf("Headers.Values(x-foo) = %v, want [bar baz]", v)
	}
}

func TestCodecHeartbeatRoundTrip(t *testing.T) {
	a, b := newMockStreamPair()
	defer a.Close()
	defer b.Close()

	client := NewCodec(a)
	server := NewCodec(b)

	now := time.Now().Truncate(time.Second)
	done := make(chan error, 1)
	go func() { done <- client.SendHeartbeat(7, now) }()

	msg, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}

	hb, ok := msg.(*HeartbeatPayload)
	if !ok {
		t.Fatalf("got %T, want *HeartbeatPayload", msg)
	}
	if hb.Nonce != 7 {
		t.Errorf("Nonce = %d, want 7", hb.Nonce)
	}
	if !hb.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", hb.Timestamp, now)
	}
}

func TestCodecRejectsOversizeFrame(t *testing.T) {
	a, b := newMockStreamPair()
	defer a.Close()
	defer b.Close()

	codec := NewCodec(a)
	huge := &RequestPayload{Body: make([]byte, MaxFrameBytes)}

	err := codec.WriteFrame(FrameRequest, huge)
	if err != ErrFrameTooLarge {
		t.Fatalf("WriteFrame error = %v, want %v", err, ErrFrameTooLarge)
	}

	_ = b
}

func TestCodecUnknownFrameType(t *testing.T) {
	_, err := Decode(FrameType(99), []byte("{}"))
	if err == nil {
		t.Fatal("expected error for unknown frame type")
	}
}
