// Package canonjson produces the canonical JSON encoding every hash in the
// mesh is computed over: keys sorted lexically, compact separators, UTF-8,
// no whitespace, numbers normalized so -0.0 becomes 0.0. No third-party
// library in the example pack offers canonical/deterministic JSON
// encoding (legator's internal/shared/signing package concatenates a
// request id with a plain json.Marshal for HMAC input, which does not
// need key-sorting since it never re-derives the hash from a decoded
// map); marshaling through sorted map keys is a small, self-contained
// concern better served by the standard library than by pulling in an
// unrelated dependency.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Genesis is the genesis hash constant: "sha256:" + 64 zeros.
const Genesis = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

func init() {
	const want = 7 + 64
	if len(Genesis) != want {
		panic(fmt.Sprintf("canonjson: genesis constant has wrong length: got %d want %d", len(Genesis), want))
	}
}

// Marshal returns the canonical JSON encoding of v, where v is typically a
// map[string]any built from a struct. Key order is lexical; separators are
// compact; floats are normalized so negative zero becomes zero.
func Marshal(v any) ([]byte, error) {
	normalized := normalize(v)
	var buf bytes.Buffer
	if err := encode(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns "sha256:" + hex(SHA-256(canonical bytes of v)).
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case float64:
		if x == 0 {
			return float64(0)
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func encode(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("canonjson: unsupported float value %v", x)
		}
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			fmt.Fprintf(buf, "%d", int64(x))
		} else {
			b, err := json.Marshal(x)
			if err != nil {
				return err
			}
			buf.Write(b)
		}
		return nil
	case int:
		fmt.Fprintf(buf, "%d", x)
		return nil
	case int64:
		fmt.Fprintf(buf, "%d", x)
		return nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, val := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, val); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case []string:
		arr := make([]any, len(x))
		for i, s := range x {
			arr[i] = s
		}
		return encode(buf, arr)
	default:
		// Fall back to a round-trip through encoding/json to coerce
		// structs/maps with concrete value types into the any-tree above.
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		return encode(buf, normalize(generic))
	}
}
