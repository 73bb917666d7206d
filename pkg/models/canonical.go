package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
)

// CanonicalizeJSON returns a stable canonical encoding (sorted object keys,
// no insignificant whitespace) for arbitrary JSON. Used for checksums and
// webhook signature payloads.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// ComputeChecksum returns the hex sha256 over the canonical encoding of a
// materialized component map. Callers must materialize delta snapshots before
// computing or verifying a checksum.
func ComputeChecksum(components map[string]map[string]any) string {
	raw, err := json.Marshal(components)
	if err != nil {
		return ""
	}
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:])
}

// VerifyChecksum recomputes a snapshot's checksum over its materialized
// components and reports whether it matches the stored value. Snapshots
// predating checksum support (empty checksum) pass.
func VerifyChecksum(s *StateSnapshot) bool {
	if s == nil || s.Checksum == "" {
		return true
	}
	return s.Checksum == ComputeChecksum(s.Components)
}
