package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		Uint64(1, 12),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestGetAllKeepsPayloadOrder(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		Bytes(5, []byte("a")),
		Uint32(1, 3),
		Bytes(5, []byte("b")),
		Bytes(5, []byte("c")),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	all := GetAll(fields, 5)
	if len(all) != 3 {
		t.Fatalf("expected 3 repeated fields, got %d", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(all[i].Value) != want {
			t.Fatalf("field %d = %q want %q", i, all[i].Value, want)
		}
	}
}

func TestTypedAccessors(t *testing.T) {
	if v, err := Uint64(1, 1<<40).AsUint64(); err != nil || v != 1<<40 {
		t.Fatalf("u64: %d %v", v, err)
	}
	if v, err := Uint32(1, 77).AsUint32(); err != nil || v != 77 {
		t.Fatalf("u32: %d %v", v, err)
	}
	if v, err := String(1, "scene").AsString(); err != nil || v != "scene" {
		t.Fatalf("string: %q %v", v, err)
	}
	if _, err := String(1, "x").AsUint64(); err == nil {
		t.Fatalf("expected type mismatch")
	}
	if _, err := (Field{ID: 1, Type: TypeU64, Value: []byte{1}}).AsUint64(); err == nil {
		t.Fatalf("expected length error")
	}
}
