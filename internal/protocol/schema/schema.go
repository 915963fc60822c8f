package schema

import (
	"fmt"

	"github.com/danmuck/scenelink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame header.
const (
	MsgHello     uint32 = 1
	MsgBye       uint32 = 2
	MsgHeartbeat uint32 = 3

	MsgResourceRequest     uint32 = 10
	MsgResourceResponse    uint32 = 11
	MsgResourceUnavailable uint32 = 12

	MsgScenePublished   uint32 = 20
	MsgSceneUnpublished uint32 = 21
	MsgSceneSubscribe   uint32 = 22
	MsgSceneUnsubscribe uint32 = 23
	MsgSceneSnapshot    uint32 = 24
	MsgSceneFlush       uint32 = 25
	MsgSceneResync      uint32 = 26
	MsgSceneUnavailable uint32 = 27
)

// Field IDs.
const (
	FieldParticipantName uint16 = 1
	FieldProtocolVersion uint16 = 2

	FieldResourceHash uint16 = 100
	FieldResourceData uint16 = 101

	FieldSceneID     uint16 = 200
	FieldFlushIndex  uint16 = 201
	FieldAction      uint16 = 202
	FieldLastApplied uint16 = 203
)

var names = map[uint32]string{
	MsgHello:               "hello",
	MsgBye:                 "bye",
	MsgHeartbeat:           "heartbeat",
	MsgResourceRequest:     "resource.request",
	MsgResourceResponse:    "resource.response",
	MsgResourceUnavailable: "resource.unavailable",
	MsgScenePublished:      "scene.published",
	MsgSceneUnpublished:    "scene.unpublished",
	MsgSceneSubscribe:      "scene.subscribe",
	MsgSceneUnsubscribe:    "scene.unsubscribe",
	MsgSceneSnapshot:       "scene.snapshot",
	MsgSceneFlush:          "scene.flush",
	MsgSceneResync:         "scene.resync",
	MsgSceneUnavailable:    "scene.unavailable",
}

// Name returns the stable label for a message type, used in logs and metrics.
func Name(messageType uint32) string {
	if n, ok := names[messageType]; ok {
		return n
	}
	return fmt.Sprintf("unknown.%d", messageType)
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldParticipantName, tlv.TypeString},
		{FieldProtocolVersion, tlv.TypeU32},
	},
	MsgBye:       {},
	MsgHeartbeat: {},
	MsgResourceRequest: {
		{FieldResourceHash, tlv.TypeBytes},
	},
	MsgResourceResponse: {
		{FieldResourceHash, tlv.TypeBytes},
		{FieldResourceData, tlv.TypeBytes},
	},
	MsgResourceUnavailable: {
		{FieldResourceHash, tlv.TypeBytes},
	},
	MsgScenePublished: {
		{FieldSceneID, tlv.TypeU64},
	},
	MsgSceneUnpublished: {
		{FieldSceneID, tlv.TypeU64},
	},
	MsgSceneSubscribe: {
		{FieldSceneID, tlv.TypeU64},
	},
	MsgSceneUnsubscribe: {
		{FieldSceneID, tlv.TypeU64},
	},
	MsgSceneSnapshot: {
		{FieldSceneID, tlv.TypeU64},
		{FieldFlushIndex, tlv.TypeU64},
	},
	MsgSceneFlush: {
		{FieldSceneID, tlv.TypeU64},
		{FieldFlushIndex, tlv.TypeU64},
	},
	MsgSceneResync: {
		{FieldSceneID, tlv.TypeU64},
		{FieldLastApplied, tlv.TypeU64},
	},
	MsgSceneUnavailable: {
		{FieldSceneID, tlv.TypeU64},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Decode parses payload fields and validates them against messageType.
func Decode(messageType uint32, payload []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
