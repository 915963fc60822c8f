package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/scenelink/internal/protocol/tlv"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := tlv.EncodeFields([]tlv.Field{tlv.Uint64(1, 7), tlv.Bytes(2, []byte("actions"))})
	sender := [16]byte{0xde, 0xad, 0xbe, 0xef}
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 11, Sender: sender},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.MessageType != 11 || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if out.Header.Sender != sender {
		t.Fatalf("sender mismatch: %x", out.Header.Sender)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameInvalidMagic(t *testing.T) {
	h := Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameHeaderLenMismatch(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: 8}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenMismatch) {
		t.Fatalf("expected ErrHeaderLenMismatch, got %v", err)
	}
}

func TestReadFramePayloadLimit(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 1024}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := WriteFrame(&bytes.Buffer{}, Frame{Payload: make([]byte, 32)}, Limits{MaxPayloadBytes: 16}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected write ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	b, err := Marshal(Frame{Header: Header{MessageType: 3}, Payload: []byte("abcdef")}, DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = ReadFrame(bytes.NewReader(b[:len(b)-2]), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	b, err := Marshal(Frame{Header: Header{MessageType: 3}}, DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Unmarshal(append(b, 0xff), DefaultLimits()); err == nil {
		t.Fatalf("expected trailing-bytes error")
	}
	f, err := Unmarshal(b, DefaultLimits())
	if err != nil || f.Header.MessageType != 3 || len(f.Payload) != 0 {
		t.Fatalf("unmarshal: frame=%+v err=%v", f, err)
	}
}
