package fingerprint

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pipetrace/pipetrace/internal/domain"
)

// The literal codec serializes canonical values for storage: task input
// literals in the database and resource payloads in the vault. JSON alone
// cannot round-trip the value model (int64 vs float64, []byte vs string),
// so every value is wrapped in a {t, v} envelope keyed by the literal kinds
// the fingerprint encoder accepts (graph references are not encoded).

type envelope struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// EncodeLiteral serializes a canonical value for storage.
func EncodeLiteral(v any) ([]byte, error) {
	env, err := toEnvelope(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeLiteral restores a value serialized by EncodeLiteral.
func DecodeLiteral(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &domain.SchemaError{Msg: "malformed literal: " + err.Error()}
	}
	return fromEnvelope(env)
}

func toEnvelope(v any) (envelope, error) {
	switch val := v.(type) {
	case nil:
		return envelope{T: "z"}, nil
	case bool:
		return marshalEnvelope("b", val)
	case int:
		return marshalEnvelope("i", strconv.FormatInt(int64(val), 10))
	case int8:
		return marshalEnvelope("i", strconv.FormatInt(int64(val), 10))
	case int16:
		return marshalEnvelope("i", strconv.FormatInt(int64(val), 10))
	case int32:
		return marshalEnvelope("i", strconv.FormatInt(int64(val), 10))
	case int64:
		return marshalEnvelope("i", strconv.FormatInt(val, 10))
	case uint:
		return marshalEnvelope("i", strconv.FormatUint(uint64(val), 10))
	case uint8:
		return marshalEnvelope("i", strconv.FormatUint(uint64(val), 10))
	case uint16:
		return marshalEnvelope("i", strconv.FormatUint(uint64(val), 10))
	case uint32:
		return marshalEnvelope("i", strconv.FormatUint(uint64(val), 10))
	case uint64:
		return marshalEnvelope("i", strconv.FormatUint(val, 10))
	case float32:
		return marshalEnvelope("f", float64(val))
	case float64:
		return marshalEnvelope("f", val)
	case string:
		return marshalEnvelope("s", val)
	case []byte:
		return marshalEnvelope("y", base64.StdEncoding.EncodeToString(val))
	case []any:
		items := make([]envelope, len(val))
		for i, item := range val {
			env, err := toEnvelope(item)
			if err != nil {
				return envelope{}, err
			}
			items[i] = env
		}
		return marshalEnvelope("l", items)
	case map[string]any:
		m := make(map[string]envelope, len(val))
		for k, item := range val {
			env, err := toEnvelope(item)
			if err != nil {
				return envelope{}, err
			}
			m[k] = env
		}
		return marshalEnvelope("m", m)
	default:
		return envelope{}, &domain.SchemaError{Msg: fmt.Sprintf("unsupported literal kind %T", v)}
	}
}

func marshalEnvelope(tag string, v any) (envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return envelope{}, &domain.SchemaError{Msg: "literal encode: " + err.Error()}
	}
	return envelope{T: tag, V: raw}, nil
}

func fromEnvelope(env envelope) (any, error) {
	switch env.T {
	case "z":
		return nil, nil
	case "b":
		var v bool
		return v, unmarshal(env.V, &v)
	case "i":
		var s string
		if err := unmarshal(env.V, &s); err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &domain.SchemaError{Msg: "malformed int literal: " + err.Error()}
		}
		return n, nil
	case "f":
		var v float64
		return v, unmarshal(env.V, &v)
	case "s":
		var v string
		return v, unmarshal(env.V, &v)
	case "y":
		var s string
		if err := unmarshal(env.V, &s); err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &domain.SchemaError{Msg: "malformed bytes literal: " + err.Error()}
		}
		return b, nil
	case "l":
		var items []envelope
		if err := unmarshal(env.V, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := fromEnvelope(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "m":
		var m map[string]envelope
		if err := unmarshal(env.V, &m); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(m))
		for k, item := range m {
			v, err := fromEnvelope(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, &domain.SchemaError{Msg: "unknown literal tag " + env.T}
	}
}

func unmarshal(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return &domain.SchemaError{Msg: "malformed literal: " + err.Error()}
	}
	return nil
}
