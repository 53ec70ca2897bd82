package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Metadata bounds.
const (
	MaxMetadataEntries  = 16
	MaxMetadataKeyLen   = 64
	MaxMetadataValueLen = 256
)

var ErrMetadata = errors.New("invalid metadata")

// Metadata is free-form context attached to an entry. Keys and values are
// strings and the map is bounded by the Max* constants above.
type Metadata map[string]string

// Validate enforces the size bounds.
func (m Metadata) Validate() error {
	if len(m) > MaxMetadataEntries {
		return fmt.Errorf("%w: at most %d entries", ErrMetadata, MaxMetadataEntries)
	}
	for k, v := range m {
		if k == "" || len(k) > MaxMetadataKeyLen || !utf8.ValidString(k) {
			return fmt.Errorf("%w: key %q", ErrMetadata, k)
		}
		if len(v) > MaxMetadataValueLen || !utf8.ValidString(v) {
			return fmt.Errorf("%w: value for %q exceeds %d bytes", ErrMetadata, k, MaxMetadataValueLen)
		}
	}
	return nil
}

// MetadataFromJSON converts a decoded JSON object into Metadata. Strings,
// numbers and booleans are accepted; nulls, arrays and objects are not.
func MetadataFromJSON(raw map[string]interface{}) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	m := make(Metadata, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			m[k] = val
		case bool:
			m[k] = strconv.FormatBool(val)
		case float64:
			m[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case json.Number:
			m[k] = val.String()
		default:
			return nil, fmt.Errorf("%w: %q must be a string, number or boolean", ErrMetadata, k)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// clone returns an independent copy so stored entries cannot be mutated
// through caller-held maps.
func (m Metadata) clone() Metadata {
	if m == nil {
		return nil
	}
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
