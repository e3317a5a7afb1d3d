package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameBytes bounds the length field of a single frame (type + payload),
// per spec §4.1: frames larger than this are rejected.
const MaxFrameBytes = 16 * 1024 * 1024

// lengthFieldBytes is the size of the big-endian length prefix.
const lengthFieldBytes = 4

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// MaxFrameBytes.
var ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameBytes)

// Codec reads and writes frames over a single stream. Writes are
// serialized with an internal mutex so that concurrent senders never
// interleave partial frames (spec §4.1, §5: "writes are serialized by a
// single producer per connection"). Reads are expected to be driven by a
// single reader goroutine and are not separately locked.
type Codec struct {
	stream io.ReadWriteCloser

	writeMu sync.Mutex
}

// NewCodec wraps a stream in a Codec.
func NewCodec(stream io.ReadWriteCloser) *Codec {
	return &Codec{stream: stream}
}

// WriteFrame marshals v as JSON and writes it as a single frame of the
// given type. Safe for concurrent use.
func (c *Codec) WriteFrame(t FrameType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode %s payload: %w", t, err)
	}
	if len(payload)+1 > MaxFrameBytes {
		return ErrFrameTooLarge
	}

	header := make([]byte, lengthFieldBytes+1)
	binary.BigEndian.PutUint32(header[:lengthFieldBytes], uint32(len(payload)+1))
	header[lengthFieldBytes] = byte(t)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stream.Write(header); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.stream.Write(payload); err != nil {
			return fmt.Errorf("protocol: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads and returns the next frame's type and raw payload. It
// loops until the full length-prefixed frame has been read, per spec
// §4.1 ("partial reads loop until full length is obtained").
func (c *Codec) ReadFrame() (FrameType, []byte, error) {
	var lenBuf [lengthFieldBytes]byte
	if _, err := io.ReadFull(c.stream, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("protocol: empty frame")
	}
	if n > MaxFrameBytes {
		return 0, nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.stream, body); err != nil {
		return 0, nil, fmt.Errorf("protocol: read frame body: %w", err)
	}

	return FrameType(body[0]), body[1:], nil
}

// ReadMessage reads the next frame and decodes its payload into the
// matching typed struct, returning one of *RegisterPayload,
// *RegisterAckPayload, *RegisterNackPayload, *HeartbeatPayload,
// *HeartbeatAckPayload, *RequestPayload, *ResponsePayload, *ErrorPayload,
// or *ClosePayload.
func (c *Codec) ReadMessage() (any, error) {
	t, payload, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(t, payload)
}

// Decode unmarshals a raw frame payload according to its type.
func Decode(t FrameType, payload []byte) (any, error) {
	switch t {
	case FrameRegister:
		var msg RegisterPayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode REGISTER: %w", err)
		}
		return &msg, nil
	case FrameRegisterAck:
		var msg RegisterAckPayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode REGISTER_ACK: %w", err)
		}
		return &msg, nil
	case FrameRegisterNack:
		var msg RegisterNackPayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode REGISTER_NACK: %w", err)
		}
		return &msg, nil
	case FrameHeartbeat:
		var msg HeartbeatPayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode HEARTBEAT: %w", err)
		}
		return &msg, nil
	case FrameHeartbeatAck:
		var msg HeartbeatAckPayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode HEARTBEAT_ACK: %w", err)
		}
		return &msg, nil
	case FrameRequest:
		var msg RequestPayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode REQUEST: %w", err)
		}
		return &msg, nil
	case FrameResponse:
		var msg ResponsePayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode RESPONSE: %w", err)
		}
		return &msg, nil
	case FrameError:
		var msg ErrorPayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode ERROR: %w", err)
		}
		return &msg, nil
	case FrameClose:
		var msg ClosePayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode CLOSE: %w", err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("protocol: unknown frame type %d", t)
	}
}

// Close closes the underlying stream.
func (c *Codec) Close() error {
	return c.stream.Close()
}

// Convenience senders, mirroring the shape of the payload constructors.

func (c *Codec) SendRegister(subdomain string) error {
	return c.WriteFrame(FrameRegister, &RegisterPayload{Subdomain: subdomain, ProtocolVersion: ProtocolVersion})
}

func (c *Codec) SendRegisterAck(clientID, subdomain, url string, serverTime time.Time) error {
	return c.WriteFrame(FrameRegisterAck, &RegisterAckPayload{
		ClientID:   clientID,
		Subdomain:  subdomain,
		URL:        url,
		ServerTime: serverTime,
	})
}

func (c *Codec) SendRegisterNack(reason string) error {
	return c.WriteFrame(FrameRegisterNack, &RegisterNackPayload{Reason: reason})
}

func (c *Codec) SendHeartbeat(nonce uint64, at time.Time) error {
	return c.WriteFrame(FrameHeartbeat, &HeartbeatPayload{Nonce: nonce, Timestamp: at})
}

func (c *Codec) SendHeartbeatAck(nonce uint64, at time.Time) error {
	return c.WriteFrame(FrameHeartbeatAck, &HeartbeatAckPayload{Nonce: nonce, Timestamp: at})
}

func (c *Codec) SendRequest(msg *RequestPayload) error {
	return c.WriteFrame(FrameRequest, msg)
}

func (c *Codec) SendResponse(msg *ResponsePayload) error {
	return c.WriteFrame(FrameResponse, msg)
}

func (c *Codec) SendError(message string, fatal bool) error {
	return c.WriteFrame(FrameError, &ErrorPayload{Message: message, Fatal: fatal})
}

func (c *Codec) SendClose(reason string) error {
	return c.WriteFrame(FrameClose, &ClosePayload{Reason: reason})
}
