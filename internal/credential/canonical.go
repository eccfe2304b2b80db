package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Claims is a flat mapping of claim names to primitive values: string, bool
// or integer. Decoded integers are always int64.
type Claims map[string]any

// MarshalCanonical serialises a flat object as RFC 8785 style canonical JSON:
// keys ordered by UTF-16 code units, no insignificant whitespace, no HTML
// escaping. Strings must be valid UTF-8 in NFC form. Floats, nulls and nested
// values are rejected so the same claims always produce the same bytes.
func MarshalCanonical(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(&buf, k); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonicalValue(&buf, obj[k]); err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeCanonicalValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case string:
		return writeCanonicalString(buf, val)
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case nil:
		return fmt.Errorf("null is not allowed")
	case float32, float64:
		return fmt.Errorf("floats are not allowed: %v", val)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	return nil
}

// writeCanonicalString escapes only '"', '\' and control characters.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid UTF-8")
	}
	if !norm.NFC.IsNormalString(s) {
		return fmt.Errorf("string is not NFC normalised")
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(buf, `\u%04x`, r)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}

func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// unmarshalFlat parses a flat JSON object, keeping integers exact.
func unmarshalFlat(data []byte) (Claims, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after object")
	}
	if raw == nil {
		return nil, fmt.Errorf("payload is not an object")
	}

	claims := make(Claims, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string, bool:
			claims[k] = val
		case json.Number:
			if strings.ContainsAny(val.String(), ".eE") {
				return nil, fmt.Errorf("claim %q is not an integer", k)
			}
			n, err := val.Int64()
			if err != nil {
				return nil, fmt.Errorf("claim %q: %w", k, err)
			}
			claims[k] = n
		default:
			return nil, fmt.Errorf("claim %q has unsupported type %T", k, v)
		}
	}
	return claims, nil
}
