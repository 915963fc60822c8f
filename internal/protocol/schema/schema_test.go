package schema

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/scenelink/internal/protocol/tlv"
	"github.com/danmuck/scenelink/internal/testutil/testlog"
)

func TestValidateSubscribeRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.Uint64(FieldSceneID, 1)}
	if err := Validate(MsgSceneSubscribe, fields); err != nil {
		t.Fatalf("validate subscribe: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Uint64(FieldSceneID, 1),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgSceneUnsubscribe, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgSceneFlush, []tlv.Field{tlv.Uint64(FieldSceneID, 1)})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.FieldID != FieldFlushIndex || verr.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", verr)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgSceneSubscribe, []tlv.Field{tlv.String(FieldSceneID, "1")})
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Reason != "type mismatch" {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(999, nil)
	var verr ValidationError
	if !errors.As(err, &verr) || verr.FieldID != 0 {
		t.Fatalf("expected unknown message_type error, got %v", err)
	}
}

func TestSceneUpdatePreservesActionOrder(t *testing.T) {
	testlog.Start(t)
	in := SceneUpdate{
		SceneID:    7,
		FlushIndex: 3,
		Actions: []Action{
			{Type: 1, Data: []byte("create node")},
			{Type: 2, Data: nil},
			{Type: 1, Data: []byte("set transform")},
		},
	}
	out, err := DecodeSceneUpdate(MsgSceneFlush, in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SceneID != 7 || out.FlushIndex != 3 || len(out.Actions) != 3 {
		t.Fatalf("unexpected update: %+v", out)
	}
	for i := range in.Actions {
		if out.Actions[i].Type != in.Actions[i].Type || !bytes.Equal(out.Actions[i].Data, in.Actions[i].Data) {
			t.Fatalf("action %d mismatch: got=%+v want=%+v", i, out.Actions[i], in.Actions[i])
		}
	}
}

func TestDecodeSceneUpdateRejectsShortAction(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.Uint64(FieldSceneID, 1),
		tlv.Uint64(FieldFlushIndex, 1),
		tlv.Bytes(FieldAction, []byte{1, 2}),
	})
	if _, err := DecodeSceneUpdate(MsgSceneFlush, payload); err == nil {
		t.Fatalf("expected short action error")
	}
}

func TestHelloAndResourcePayloads(t *testing.T) {
	testlog.Start(t)
	hello, err := DecodeHello(Hello{Name: "renderer_TCP", ProtocolVersion: ProtocolVersion}.Encode())
	if err != nil || hello.Name != "renderer_TCP" || hello.ProtocolVersion != ProtocolVersion {
		t.Fatalf("hello: %+v err=%v", hello, err)
	}
	data, err := DecodeResourceData(ResourceData{Hash: []byte{1, 2}, Data: []byte("mesh")}.Encode())
	if err != nil || string(data.Data) != "mesh" || !bytes.Equal(data.Hash, []byte{1, 2}) {
		t.Fatalf("resource data: %+v err=%v", data, err)
	}
	if got, want := uint64(len(ResourceData{Hash: []byte{1, 2}, Data: []byte("mesh")}.Encode())), ResourceDataSize(2, 4); got != want {
		t.Fatalf("resource data size: got %d want %d", got, want)
	}
	ref, err := DecodeResourceRef(MsgResourceUnavailable, ResourceRef{Hash: []byte{9}}.Encode())
	if err != nil || !bytes.Equal(ref.Hash, []byte{9}) {
		t.Fatalf("resource ref: %+v err=%v", ref, err)
	}
	resync, err := DecodeSceneResync(SceneResync{SceneID: 4, LastApplied: 10}.Encode())
	if err != nil || resync.SceneID != 4 || resync.LastApplied != 10 {
		t.Fatalf("resync: %+v err=%v", resync, err)
	}
}

func TestNameIsStable(t *testing.T) {
	if Name(MsgSceneFlush) != "scene.flush" {
		t.Fatalf("unexpected name: %s", Name(MsgSceneFlush))
	}
	if Name(4242) != "unknown.4242" {
		t.Fatalf("unexpected unknown name: %s", Name(4242))
	}
}
