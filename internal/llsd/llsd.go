// Package llsd provides a minimal LLSD-XML encoder/decoder built on
// github.com/beevik/etree, used by the seed-capability and event-queue
// HTTP exchanges. LLSD's map shape (alternating <key>/value-typed-element
// pairs) does not fit encoding/xml's struct-tag model, so this walks the
// tree directly instead.
package llsd

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// Encode renders a Go value (map[string]any, []any, string, int, int64,
// bool, or nil) as a complete `<?xml ...?><llsd>...</llsd>` document.
func Encode(v any) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0"`)
	root := doc.CreateElement("llsd")
	encodeValue(root, v)
	var buf bytes.Buffer
	doc.WriteTo(&buf)
	return buf.Bytes()
}

func encodeValue(parent *etree.Element, v any) {
	switch val := v.(type) {
	case nil:
		parent.CreateElement("undef")
	case bool:
		parent.CreateElement("boolean").SetText(strconv.FormatBool(val))
	case int:
		parent.CreateElement("integer").SetText(strconv.Itoa(val))
	case int64:
		parent.CreateElement("integer").SetText(strconv.FormatInt(val, 10))
	case string:
		parent.CreateElement("string").SetText(val)
	case []any:
		arr := parent.CreateElement("array")
		for _, item := range val {
			encodeValue(arr, item)
		}
	case []string:
		arr := parent.CreateElement("array")
		for _, item := range val {
			arr.CreateElement("string").SetText(item)
		}
	case map[string]any:
		m := parent.CreateElement("map")
		for k, item := range val {
			m.CreateElement("key").SetText(k)
			encodeValue(m, item)
		}
	default:
		parent.CreateElement("string").SetText(fmt.Sprintf("%v", val))
	}
}

// Decode parses an `<llsd>...</llsd>` document and returns the decoded
// root value as one of map[string]any, []any, string, int64, float64, bool,
// or nil.
func Decode(body []byte) (any, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("llsd: parse document: %w", err)
	}
	root := doc.SelectElement("llsd")
	if root == nil {
		return nil, fmt.Errorf("llsd: missing <llsd> root")
	}
	children := root.ChildElements()
	if len(children) == 0 {
		return nil, nil
	}
	return decodeValue(children[0]), nil
}

func decodeValue(e *etree.Element) any {
	switch e.Tag {
	case "map":
		m := make(map[string]any)
		children := e.ChildElements()
		for i := 0; i < len(children); i++ {
			if children[i].Tag != "key" {
				continue
			}
			key := children[i].Text()
			if i+1 < len(children) {
				m[key] = decodeValue(children[i+1])
				i++
			}
		}
		return m
	case "array":
		var out []any
		for _, child := range e.ChildElements() {
			out = append(out, decodeValue(child))
		}
		return out
	case "integer":
		n, _ := strconv.ParseInt(e.Text(), 10, 64)
		return n
	case "boolean":
		return e.Text() == "true" || e.Text() == "1"
	case "real":
		f, _ := strconv.ParseFloat(e.Text(), 64)
		return f
	case "undef":
		return nil
	default: // string, uri, uuid, date, binary: treat as text
		return e.Text()
	}
}

// AsMap type-asserts v as map[string]any, returning an empty map on
// mismatch so callers can chain lookups without nil checks.
func AsMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// AsArray type-asserts v as []any, returning nil on mismatch.
func AsArray(v any) []any {
	if a, ok := v.([]any); ok {
		return a
	}
	return nil
}

// AsString type-asserts v as a string, returning "" on mismatch.
func AsString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// AsInt64 type-asserts v as an int64, returning 0 on mismatch.
func AsInt64(v any) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}
