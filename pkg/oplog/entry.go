package oplog

import (
	"fmt"

	"replidb/pkg/dberrors"
	"replidb/pkg/encoding"
	"replidb/pkg/types"
)

// Entry is an immutable record of the log. ID is the hex sha256 of the
// canonical encoding of every other field, so equal entries have equal IDs
// on every replica.
type Entry struct {
	ID      string         `cbor:"-" json:"id"`
	Log     string         `cbor:"log" json:"log"`
	Clock   uint64         `cbor:"clock" json:"clock"`
	Next    []string       `cbor:"next" json:"next"`
	Payload types.Document `cbor:"payload" json:"payload"`
}

// Fingerprint returns the content address of the entry block.
func (e Entry) Fingerprint() types.Fingerprint {
	return types.NewFingerprint(e.ID)
}

func encodeEntry(e Entry) ([]byte, error) {
	data, err := encoding.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := encoding.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: decode entry: %v", dberrors.ErrInvalidArgument, err)
	}
	e.ID = encoding.Sum(data)
	return e, nil
}

// verify recomputes the content ID of e.
func verify(e Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if id := encoding.Sum(data); id != e.ID {
		return fmt.Errorf("%w: entry %s hashes to %s", dberrors.ErrInvalidArgument, e.ID, id)
	}
	return nil
}

// orderKey sorts entries oldest first. Clocks grow along causal links, so the
// order respects causality; concurrent entries fall back to their content ID.
type orderKey struct {
	clock uint64
	id    string
}

func (k orderKey) less(than orderKey) bool {
	if k.clock != than.clock {
		return k.clock < than.clock
	}
	return k.id < than.id
}

func keyOf(e Entry) orderKey {
	return orderKey{clock: e.Clock, id: e.ID}
}

// manifest is the block a log fingerprint points to.
type manifest struct {
	Log   string   `cbor:"log"`
	Heads []string `cbor:"heads"`
}
