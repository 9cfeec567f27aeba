package network

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := Frame{Kind: FrameData, Channel: 0, Payload: []byte("signed payload")}

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, frame); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Kind != FrameData || got.Channel != 0 || !bytes.Equal(got.Payload, frame.Payload) {
		t.Fatalf("frame mismatch: %+v", got)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, Frame{Kind: FrameData, Payload: payload}); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsShortBody(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0, 0, 0, 1, byte(FramePing)})
	if _, err := ReadFrame(buffer); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	hello := Hello{Version: ProtocolVersion, ListenPort: 9001, Channels: 0, Data: 7}

	got, err := DecodeHello(EncodeHello(hello))
	if err != nil {
		t.Fatalf("DecodeHello failed: %v", err)
	}
	if got.ListenPort != 9001 || got.Data != 7 {
		t.Fatalf("unexpected hello: %+v", got)
	}
	if got.Channels != 1 {
		t.Fatalf("expected zero channels to mean one default channel, got %d", got.Channels)
	}
}

func TestDecodeHelloRejectsVersionMismatch(t *testing.T) {
	payload := EncodeHello(Hello{Version: ProtocolVersion + 1, ListenPort: 1})
	if _, err := DecodeHello(payload); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFrameWithTimeoutWaitsForStartedFrame(t *testing.T) {
	reader, writer := net.Pipe()
	defer reader.Close()
	defer writer.Close()

	var encoded bytes.Buffer
	if err := WriteFrame(&encoded, Frame{Kind: FrameData, Payload: []byte("slow link")}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	raw := encoded.Bytes()

	go func() {
		_, _ = writer.Write(raw[:2])
		time.Sleep(150 * time.Millisecond)
		_, _ = writer.Write(raw[2:])
	}()

	got, err := ReadFrameWithTimeout(reader, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadFrameWithTimeout failed: %v", err)
	}
	if got.Kind != FrameData || string(got.Payload) != "slow link" {
		t.Fatalf("frame mismatch: %+v", got)
	}
}

func TestReadFrameWithTimeoutIdleKeepsStreamAligned(t *testing.T) {
	reader, writer := net.Pipe()
	defer reader.Close()
	defer writer.Close()

	_, err := ReadFrameWithTimeout(reader, 20*time.Millisecond)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected idle timeout, got %v", err)
	}

	go func() {
		_ = WriteFrame(writer, Frame{Kind: FramePing})
	}()
	got, err := ReadFrameWithTimeout(reader, time.Second)
	if err != nil {
		t.Fatalf("ReadFrameWithTimeout after idle failed: %v", err)
	}
	if got.Kind != FramePing {
		t.Fatalf("expected ping after idle timeout, got %+v", got)
	}
}
