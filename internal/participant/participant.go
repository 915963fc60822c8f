// Package participant owns participant identity.
//
// Ownership boundary:
// - GUID generation and parsing
// - immutable identity (GUID + display name)
package participant

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidID   = errors.New("participant: invalid id")
	ErrMissingName = errors.New("participant: missing name")
)

// ID is a 128-bit participant GUID.
type ID [16]byte

// Invalid is the zero GUID. It never identifies a participant.
var Invalid ID

// NewID returns a random GUID whose first 32-bit word is non-zero, which keeps
// generated ids apart from small explicitly configured ones.
func NewID() ID {
	for {
		id := ID(uuid.New())
		if binary.BigEndian.Uint32(id[0:4]) != 0 {
			return id
		}
	}
}

func ParseID(raw string) (ID, error) {
	u, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Invalid, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	id := ID(u)
	if !id.IsValid() {
		return Invalid, ErrInvalidID
	}
	return id, nil
}

func IDFromBytes(b []byte) (ID, error) {
	if len(b) != len(Invalid) {
		return Invalid, fmt.Errorf("%w: length %d", ErrInvalidID, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

func (id ID) IsValid() bool {
	return id != Invalid
}

func (id ID) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id[:])
	return out
}

// Less orders GUIDs bytewise. Used to break ties between duplicate links.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Identity is the GUID plus human-readable name of one participant.
type Identity struct {
	id   ID
	name string
}

func NewIdentity(id ID, name string) (Identity, error) {
	if !id.IsValid() {
		return Identity{}, ErrInvalidID
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, ErrMissingName
	}
	return Identity{id: id, name: name}, nil
}

func (i Identity) ID() ID {
	return i.id
}

func (i Identity) Name() string {
	return i.name
}

func (i Identity) String() string {
	return fmt.Sprintf("%s(%s)", i.name, i.id)
}

// DefaultName builds "<program>_<TRANSPORT>" from the executable path and the
// transport kind, e.g. "scenelinkd_TCP".
func DefaultName(program, transport string) string {
	base := strings.TrimSpace(program)
	if base != "" {
		base = filepath.Base(strings.ReplaceAll(base, "\\", "/"))
	}
	if base == "" || base == "." || base == "/" {
		base = "participant"
	}
	kind := strings.ToUpper(strings.TrimSpace(transport))
	if kind == "" {
		kind = "UNKNOWN"
	}
	return base + "_" + kind
}
