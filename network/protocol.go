package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame body size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds dial duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout is how long a reader waits for a frame to start.
	DefaultFrameReadTimeout = 30 * time.Second
)

// FrameKind identifies the purpose of a frame.
type FrameKind uint8

const (
	FrameHello FrameKind = iota + 1
	FrameData
	FramePing
	FramePong
	FrameBye
)

const (
	frameHeaderSize = 2
	helloSize       = 8
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrMalformedFrame indicates a frame body that cannot be decoded.
	ErrMalformedFrame = errors.New("network: malformed frame")
)

// Frame is one decoded unit on a connection.
type Frame struct {
	Kind    FrameKind
	Channel uint8
	Payload []byte
}

// Hello announces the sender's listen port and requested channel count.
type Hello struct {
	Version    uint8
	ListenPort uint16
	Channels   uint8
	Data       uint32
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, frame Frame) error {
	bodyLen := frameHeaderSize + len(frame.Payload)
	if bodyLen > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+bodyLen)
	binary.BigEndian.PutUint32(buf[:4], uint32(bodyLen))
	buf[4] = byte(frame.Kind)
	buf[5] = frame.Channel
	copy(buf[6:], frame.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if length < frameHeaderSize {
		return Frame{}, ErrMalformedFrame
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}

	return Frame{
		Kind:    FrameKind(body[0]),
		Channel: body[1],
		Payload: body[frameHeaderSize:],
	}, nil
}

type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// ReadFrameWithTimeout waits up to timeout for a frame to start. The
// deadline only covers the first byte: once a frame has begun it is read to
// the end, so a timeout error means nothing was consumed from conn.
func ReadFrameWithTimeout(conn deadlineReader, timeout time.Duration) (Frame, error) {
	if timeout <= 0 {
		return ReadFrame(conn)
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Frame{}, fmt.Errorf("set read deadline: %w", err)
	}
	first := make([]byte, 1)
	_, err := io.ReadFull(conn, first)
	if clearErr := conn.SetReadDeadline(time.Time{}); err == nil && clearErr != nil {
		return Frame{}, fmt.Errorf("clear read deadline: %w", clearErr)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	return ReadFrame(io.MultiReader(bytes.NewReader(first), conn))
}

// EncodeHello builds the payload of a hello frame.
func EncodeHello(hello Hello) []byte {
	buf := make([]byte, helloSize)
	buf[0] = hello.Version
	binary.BigEndian.PutUint16(buf[1:3], hello.ListenPort)
	buf[3] = hello.Channels
	binary.BigEndian.PutUint32(buf[4:8], hello.Data)
	return buf
}

// DecodeHello parses a hello payload and checks the protocol version.
func DecodeHello(payload []byte) (Hello, error) {
	if len(payload) != helloSize {
		return Hello{}, fmt.Errorf("%w: hello length %d", ErrMalformedFrame, len(payload))
	}
	hello := Hello{
		Version:    payload[0],
		ListenPort: binary.BigEndian.Uint16(payload[1:3]),
		Channels:   payload[3],
		Data:       binary.BigEndian.Uint32(payload[4:8]),
	}
	if hello.Version != ProtocolVersion {
		return Hello{}, ErrUnsupportedVersion
	}
	if hello.Channels == 0 {
		hello.Channels = 1
	}
	return hello, nil
}
