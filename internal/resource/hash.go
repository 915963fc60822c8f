package resource

import (
	"fmt"

	"github.com/danmuck/scenelink/internal/participant"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Hash returns the CIDv1 (raw codec, sha2-256) of data.
func Hash(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Handle names an immutable resource. Identical content yields an identical
// Hash regardless of owner.
type Handle struct {
	Hash  cid.Cid
	Size  uint64
	Owner participant.ID
}

func NewHandle(data []byte, owner participant.ID) (Handle, error) {
	id, err := Hash(data)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Hash: id, Size: uint64(len(data)), Owner: owner}, nil
}

func (h Handle) String() string {
	return fmt.Sprintf("%s(%d bytes @ %s)", h.Hash, h.Size, h.Owner)
}

// verify checks data against the handle's size and content hash.
func verify(h Handle, data []byte) error {
	if uint64(len(data)) != h.Size {
		return fmt.Errorf("%w: %s: got %d bytes want %d", ErrCorruptResource, h.Hash, len(data), h.Size)
	}
	got, err := Hash(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptResource, err)
	}
	if !got.Equals(h.Hash) {
		return fmt.Errorf("%w: %s: content hashes to %s", ErrCorruptResource, h.Hash, got)
	}
	return nil
}
