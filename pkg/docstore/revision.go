package docstore

import (
	"fmt"
	"strconv"
	"strings"

	"replidb/pkg/dberrors"
	"replidb/pkg/encoding"
	"replidb/pkg/types"
)

const revHashLen = 32

// Revision is a parsed "<generation>-<hash>" token.
type Revision struct {
	Gen  uint64
	Hash string
}

func ParseRevision(rev string) (Revision, error) {
	gen, hash, ok := strings.Cut(rev, "-")
	if !ok || hash == "" {
		return Revision{}, fmt.Errorf("%w: malformed revision %q", dberrors.ErrInvalidDocument, rev)
	}
	n, err := strconv.ParseUint(gen, 10, 64)
	if err != nil || n == 0 {
		return Revision{}, fmt.Errorf("%w: malformed revision %q", dberrors.ErrInvalidDocument, rev)
	}
	return Revision{Gen: n, Hash: hash}, nil
}

func (r Revision) String() string {
	return strconv.FormatUint(r.Gen, 10) + "-" + r.Hash
}

// Less orders revisions: higher generation wins, equal generations fall back
// to the hash so every replica picks the same winner.
func (r Revision) Less(than Revision) bool {
	if r.Gen != than.Gen {
		return r.Gen < than.Gen
	}
	return r.Hash < than.Hash
}

// nextRevision derives the revision that follows prev for the given content.
// The hash covers the previous revision, so two writes of the same body on
// different branches still get distinct tokens.
func nextRevision(prev string, doc types.Document, deleted bool) (string, error) {
	var gen uint64
	if prev != "" {
		p, err := ParseRevision(prev)
		if err != nil {
			return "", err
		}
		gen = p.Gen
	}

	body := map[string]any{}
	if !deleted {
		body = doc.Body()
	}
	sum, err := encoding.Hash(map[string]any{
		"prev":    prev,
		"deleted": deleted,
		"body":    body,
	})
	if err != nil {
		return "", fmt.Errorf("%w: hash revision: %v", dberrors.ErrInvalidDocument, err)
	}

	return Revision{Gen: gen + 1, Hash: sum[:revHashLen]}.String(), nil
}

// wins reports whether candidate should replace current.
func wins(candidate, current string) (bool, error) {
	c, err := ParseRevision(candidate)
	if err != nil {
		return false, err
	}
	if current == "" {
		return true, nil
	}
	cur, err := ParseRevision(current)
	if err != nil {
		// a local record with a broken revision never beats a valid one
		return true, nil
	}
	return cur.Less(c), nil
}
