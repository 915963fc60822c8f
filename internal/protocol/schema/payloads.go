package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/scenelink/internal/protocol/tlv"
)

// ProtocolVersion is exchanged in hello frames.
const ProtocolVersion uint32 = 1

// Hello is the first frame each side writes on a new link.
type Hello struct {
	Name            string
	ProtocolVersion uint32
}

func (h Hello) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(FieldParticipantName, h.Name),
		tlv.Uint32(FieldProtocolVersion, h.ProtocolVersion),
	})
}

func DecodeHello(payload []byte) (Hello, error) {
	fields, err := Decode(MsgHello, payload)
	if err != nil {
		return Hello{}, err
	}
	name, _ := tlv.GetField(fields, FieldParticipantName)
	version, _ := tlv.GetField(fields, FieldProtocolVersion)
	out := Hello{}
	if out.Name, err = name.AsString(); err != nil {
		return Hello{}, err
	}
	if out.ProtocolVersion, err = version.AsUint32(); err != nil {
		return Hello{}, err
	}
	return out, nil
}

// ResourceRef names one resource by content hash (resource.request and
// resource.unavailable).
type ResourceRef struct {
	Hash []byte
}

func (r ResourceRef) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.Bytes(FieldResourceHash, r.Hash)})
}

func DecodeResourceRef(messageType uint32, payload []byte) (ResourceRef, error) {
	fields, err := Decode(messageType, payload)
	if err != nil {
		return ResourceRef{}, err
	}
	f, _ := tlv.GetField(fields, FieldResourceHash)
	hash, err := f.AsBytes()
	if err != nil {
		return ResourceRef{}, err
	}
	return ResourceRef{Hash: hash}, nil
}

// ResourceData carries resource bytes keyed by the hash the requester asked for.
type ResourceData struct {
	Hash []byte
	Data []byte
}

func (r ResourceData) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(FieldResourceHash, r.Hash),
		tlv.Bytes(FieldResourceData, r.Data),
	})
}

// ResourceDataSize is the encoded payload size of a ResourceData carrying
// hashLen hash bytes and dataLen content bytes.
func ResourceDataSize(hashLen int, dataLen uint64) uint64 {
	return 2*tlv.HeaderLen + uint64(hashLen) + dataLen
}

func DecodeResourceData(payload []byte) (ResourceData, error) {
	fields, err := Decode(MsgResourceResponse, payload)
	if err != nil {
		return ResourceData{}, err
	}
	hashField, _ := tlv.GetField(fields, FieldResourceHash)
	dataField, _ := tlv.GetField(fields, FieldResourceData)
	out := ResourceData{}
	if out.Hash, err = hashField.AsBytes(); err != nil {
		return ResourceData{}, err
	}
	if out.Data, err = dataField.AsBytes(); err != nil {
		return ResourceData{}, err
	}
	return out, nil
}

// SceneRef names one scene (published, unpublished, subscribe, unsubscribe,
// unavailable).
type SceneRef struct {
	SceneID uint64
}

func (s SceneRef) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.Uint64(FieldSceneID, s.SceneID)})
}

func DecodeSceneRef(messageType uint32, payload []byte) (SceneRef, error) {
	fields, err := Decode(messageType, payload)
	if err != nil {
		return SceneRef{}, err
	}
	f, _ := tlv.GetField(fields, FieldSceneID)
	id, err := f.AsUint64()
	if err != nil {
		return SceneRef{}, err
	}
	return SceneRef{SceneID: id}, nil
}

// Action is one opaque scene-graph change. Type is owned by the content layer.
type Action struct {
	Type uint32
	Data []byte
}

// SceneUpdate is a snapshot or a flush: an indexed, ordered batch of actions.
type SceneUpdate struct {
	SceneID    uint64
	FlushIndex uint64
	Actions    []Action
}

func (u SceneUpdate) Encode() []byte {
	fields := make([]tlv.Field, 0, 2+len(u.Actions))
	fields = append(fields,
		tlv.Uint64(FieldSceneID, u.SceneID),
		tlv.Uint64(FieldFlushIndex, u.FlushIndex),
	)
	for _, a := range u.Actions {
		buf := make([]byte, 4+len(a.Data))
		binary.BigEndian.PutUint32(buf[0:4], a.Type)
		copy(buf[4:], a.Data)
		fields = append(fields, tlv.Field{ID: FieldAction, Type: tlv.TypeBytes, Value: buf})
	}
	return tlv.EncodeFields(fields)
}

func DecodeSceneUpdate(messageType uint32, payload []byte) (SceneUpdate, error) {
	fields, err := Decode(messageType, payload)
	if err != nil {
		return SceneUpdate{}, err
	}
	sceneField, _ := tlv.GetField(fields, FieldSceneID)
	indexField, _ := tlv.GetField(fields, FieldFlushIndex)
	out := SceneUpdate{}
	if out.SceneID, err = sceneField.AsUint64(); err != nil {
		return SceneUpdate{}, err
	}
	if out.FlushIndex, err = indexField.AsUint64(); err != nil {
		return SceneUpdate{}, err
	}
	for _, f := range tlv.GetAll(fields, FieldAction) {
		if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
			return SceneUpdate{}, err
		}
		if len(f.Value) < 4 {
			return SceneUpdate{}, ValidationError{MessageType: messageType, FieldID: FieldAction, Reason: fmt.Sprintf("short action: %d bytes", len(f.Value))}
		}
		out.Actions = append(out.Actions, Action{
			Type: binary.BigEndian.Uint32(f.Value[0:4]),
			Data: f.Value[4:],
		})
	}
	return out, nil
}

// SceneResync asks the owner for a fresh snapshot after a flush gap.
type SceneResync struct {
	SceneID     uint64
	LastApplied uint64
}

func (r SceneResync) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.Uint64(FieldSceneID, r.SceneID),
		tlv.Uint64(FieldLastApplied, r.LastApplied),
	})
}

func DecodeSceneResync(payload []byte) (SceneResync, error) {
	fields, err := Decode(MsgSceneResync, payload)
	if err != nil {
		return SceneResync{}, err
	}
	sceneField, _ := tlv.GetField(fields, FieldSceneID)
	lastField, _ := tlv.GetField(fields, FieldLastApplied)
	out := SceneResync{}
	if out.SceneID, err = sceneField.AsUint64(); err != nil {
		return SceneResync{}, err
	}
	if out.LastApplied, err = lastField.AsUint64(); err != nil {
		return SceneResync{}, err
	}
	return out, nil
}
