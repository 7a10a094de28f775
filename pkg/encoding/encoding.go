// Package encoding provides the deterministic codec used for everything that
// is content addressed: log entries, manifests and revision hashes.
package encoding

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"replidb/pkg/dberrors"
	"replidb/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: sorted map keys, shortest ints and floats.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("encoding: build cbor enc mode: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("encoding: build cbor dec mode: " + err.Error())
	}
}

// Marshal encodes v canonically. Equal values always produce equal bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Sum returns the hex encoded sha256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Hash canonically encodes v and returns its hex sha256.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}

// Fingerprint returns the content address of a block.
func Fingerprint(data []byte) types.Fingerprint {
	return types.NewFingerprint(Sum(data))
}

// Normalize converts v into a Document through a JSON round trip so numbers,
// nested objects and arrays have one representation regardless of origin.
// Anything that does not encode as a JSON object is rejected.
func Normalize(v any) (types.Document, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil document", dberrors.ErrInvalidDocument)
	}

	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dberrors.ErrInvalidDocument, err)
		}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: document must be an object", dberrors.ErrInvalidDocument)
	}

	var doc types.Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrInvalidDocument, err)
	}
	return doc, nil
}
