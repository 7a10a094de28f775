package types

import (
	"regexp"
	"strings"
)

// Reserved document fields.
const (
	FieldID      = "_id"
	FieldRev     = "_rev"
	FieldDeleted = "_deleted"
)

// Document is a structured value stored in the database.
type Document map[string]any

// ID returns the document identifier or "" when absent.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// Rev returns the revision token or "" when absent.
func (d Document) Rev() string {
	rev, _ := d[FieldRev].(string)
	return rev
}

// Deleted reports whether the document is a tombstone.
func (d Document) Deleted() bool {
	deleted, _ := d[FieldDeleted].(bool)
	return deleted
}

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Body returns a copy of d without reserved fields.
func (d Document) Body() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if k == FieldID || k == FieldRev || k == FieldDeleted {
			continue
		}
		out[k] = v
	}
	return out
}

// Fingerprint is a content address of a block, "sha256:<hex>".
type Fingerprint string

const fingerprintPrefix = "sha256:"

var fingerprintRe = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// NewFingerprint builds a fingerprint from a hex encoded sha256 digest.
func NewFingerprint(hexDigest string) Fingerprint {
	return Fingerprint(fingerprintPrefix + hexDigest)
}

// IsFingerprint reports whether s looks like a fingerprint.
func IsFingerprint(s string) bool {
	return fingerprintRe.MatchString(s)
}

// Digest returns the hex digest part.
func (f Fingerprint) Digest() string {
	return strings.TrimPrefix(string(f), fingerprintPrefix)
}

func (f Fingerprint) String() string {
	return string(f)
}

// Valid reports whether f is well formed.
func (f Fingerprint) Valid() bool {
	return IsFingerprint(string(f))
}

// Address names a replicated store. A non-empty Fingerprint makes the
// address loadable from the network.
type Address struct {
	Name        string      `json:"name" yaml:"name"`
	Fingerprint Fingerprint `json:"fingerprint,omitempty" yaml:"fingerprint"`
}

// ParseAddress accepts a plain name or a raw fingerprint.
func ParseAddress(s string) Address {
	if IsFingerprint(s) {
		return Address{Name: s, Fingerprint: Fingerprint(s)}
	}
	return Address{Name: s}
}

// Loadable reports whether the address carries a fingerprint.
func (a Address) Loadable() bool {
	return a.Fingerprint != ""
}

func (a Address) String() string {
	if a.Loadable() && a.Name != string(a.Fingerprint) {
		return a.Name + "@" + string(a.Fingerprint)
	}
	return a.Name
}
