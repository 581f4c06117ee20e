package engine

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"net/url"
	"sort"
	"strings"
)

// Built-in shared computation keys.
const (
	KeyParsedBody     = "parsed_body"
	KeyDecodedPayload = "decoded_payload"
	KeyInputValues    = "input_values"
)

var errNotJSON = errors.New("body is not JSON")

// BuiltinComputations returns the computations every planner knows.
func BuiltinComputations() map[string]SharedSpec {
	return map[string]SharedSpec{
		KeyParsedBody: {
			Key: KeyParsedBody,
			Compute: func(_ context.Context, ic *InspectionContext) (any, error) {
				return parseBody(ic)
			},
		},
		KeyDecodedPayload: {
			Key: KeyDecodedPayload,
			Compute: func(_ context.Context, ic *InspectionContext) (any, error) {
				return decodePayload(ic), nil
			},
		},
		KeyInputValues: {
			Key: KeyInputValues,
			Compute: func(_ context.Context, ic *InspectionContext) (any, error) {
				return inputValues(ic), nil
			},
		},
	}
}

func parseBody(ic *InspectionContext) (any, error) {
	if ic == nil {
		return nil, errNotJSON
	}
	if ic.Parsed != nil {
		return ic.Parsed, nil
	}
	body := strings.TrimSpace(string(ic.Body))
	if body == "" || (body[0] != '{' && body[0] != '[') {
		return nil, errNotJSON
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodePayload canonicalizes the payload for pattern matching: percent
// escapes are decoded (twice, to undo double encoding), HTML entities are
// unescaped, and the result is lowercased with whitespace runs collapsed.
func decodePayload(ic *InspectionContext) string {
	s := ic.Payload()
	for i := 0; i < 2 && strings.ContainsAny(s, "%+"); i++ {
		s = unescapeLenient(s)
	}
	s = strings.ToLower(html.UnescapeString(s))
	return strings.Join(strings.Fields(s), " ")
}

// unescapeLenient decodes valid %XX sequences and '+', leaving malformed
// escapes in place where url.QueryUnescape would reject the whole string.
func unescapeLenient(s string) string {
	if d, err := url.QueryUnescape(s); err == nil {
		return d
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func inputValues(ic *InspectionContext) []string {
	if ic == nil {
		return nil
	}
	var out []string
	for _, k := range sortedKeys(ic.Query) {
		out = append(out, ic.Query[k]...)
	}
	if v, err := parseBody(ic); err == nil {
		out = appendLeaves(out, v)
	}
	return out
}

func appendLeaves(out []string, v any) []string {
	switch t := v.(type) {
	case string:
		return append(out, t)
	case []any:
		for _, e := range t {
			out = appendLeaves(out, e)
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			out = appendLeaves(out, t[k])
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
