// Package fingerprint computes the deterministic digest that drives task
// deduplication: a collision-resistant hash over a pipe's identity key and
// its bound arguments in canonical form.
//
// The canonical value model is a closed set: nil, bool, every Go integer
// kind (canonicalized to int64), float64, string, []byte, []any, and
// map[string]any, plus ResourceRef and FileRef for graph nodes. Any other
// kind is rejected, so a fingerprint never silently depends on an
// unstable representation.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/pipetrace/pipetrace/internal/domain"
)

// ResourceRef stands in for a resource argument: the fingerprint of its
// producing task plus its output ordinal. Resource identity never depends
// on the payload bytes, only on provenance.
type ResourceRef struct {
	TaskFingerprint string
	Ordinal         int
}

// FileRef stands in for a file resource argument: its registered MD5.
// Path equality never participates in fingerprints.
type FileRef struct {
	MD5 string
}

// Type tags of the canonical encoding. Every value is encoded as a tag
// byte followed by a fixed-width or length-prefixed body.
const (
	tagNil    = 'z'
	tagFalse  = '0'
	tagTrue   = '1'
	tagInt    = 'i'
	tagFloat  = 'f'
	tagString = 's'
	tagBytes  = 'y'
	tagList   = 'l'
	tagMap    = 'm'
	tagRes    = 'r'
	tagFile   = 'F'
)

// Compute returns the hex digest over (identity key, bound arguments).
func Compute(identityKey string, args []any) (string, error) {
	var buf bytes.Buffer
	writeString(&buf, identityKey)
	buf.WriteByte(tagList)
	writeLen(&buf, len(args))
	for _, arg := range args {
		if err := encode(&buf, arg); err != nil {
			return "", err
		}
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical encoding of a single value. It is the
// per-value byte form that Compute hashes.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize maps a value onto the canonical kinds: integer kinds widen
// to int64, float32 to float64, containers normalize recursively. User
// code therefore always observes the same types whether a literal came
// from the caller or back out of the vault.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, int64, float64, string, []byte, ResourceRef, FileRef:
		return v, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, &domain.SchemaError{Msg: fmt.Sprintf("unsigned value %d overflows canonical int64", val)}
		}
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, &domain.SchemaError{Msg: fmt.Sprintf("unsigned value %d overflows canonical int64", val)}
		}
		return int64(val), nil
	case float32:
		return float64(val), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, &domain.SchemaError{Msg: fmt.Sprintf("unsupported value kind %T", v)}
	}
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case bool:
		if val {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case int:
		encodeInt(buf, int64(val))
	case int8:
		encodeInt(buf, int64(val))
	case int16:
		encodeInt(buf, int64(val))
	case int32:
		encodeInt(buf, int64(val))
	case int64:
		encodeInt(buf, val)
	case uint:
		return encodeUint(buf, uint64(val))
	case uint8:
		encodeInt(buf, int64(val))
	case uint16:
		encodeInt(buf, int64(val))
	case uint32:
		encodeInt(buf, int64(val))
	case uint64:
		return encodeUint(buf, val)
	case float32:
		encodeFloat(buf, float64(val))
	case float64:
		encodeFloat(buf, val)
	case string:
		writeString(buf, val)
	case []byte:
		buf.WriteByte(tagBytes)
		writeLen(buf, len(val))
		buf.Write(val)
	case []any:
		buf.WriteByte(tagList)
		writeLen(buf, len(val))
		for _, item := range val {
			if err := encode(buf, item); err != nil {
				return err
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte(tagMap)
		writeLen(buf, len(keys))
		for _, k := range keys {
			writeString(buf, k)
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
	case ResourceRef:
		buf.WriteByte(tagRes)
		writeString(buf, val.TaskFingerprint)
		encodeInt(buf, int64(val.Ordinal))
	case FileRef:
		buf.WriteByte(tagFile)
		writeString(buf, val.MD5)
	default:
		return &domain.SchemaError{Msg: fmt.Sprintf("unsupported value kind %T", v)}
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte(tagInt)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func encodeUint(buf *bytes.Buffer, v uint64) error {
	if v > math.MaxInt64 {
		return &domain.SchemaError{Msg: fmt.Sprintf("unsigned value %d overflows canonical int64", v)}
	}
	encodeInt(buf, int64(v))
	return nil
}

func encodeFloat(buf *bytes.Buffer, v float64) {
	// Normalize the two zero bit patterns so 0.0 and -0.0 hash alike.
	if v == 0 {
		v = 0
	}
	buf.WriteByte(tagFloat)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(tagString)
	writeLen(buf, len(s))
	buf.WriteString(s)
}

func writeLen(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}
