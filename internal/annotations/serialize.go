package annotations

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SerializeItem renders an item as a JSON object with lexicographically sorted
// keys. HTML characters and the U+2028/U+2029 line separators are left
// unescaped to match the other writers of the same files.
func SerializeItem(item AnnotationItem) ([]byte, error) {
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSONString(&buf, item[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SerializeSet joins serialized items with a single newline, preserving order.
// An empty set yields an empty slice.
func SerializeSet(set AnnotationSet) ([]byte, error) {
	var buf bytes.Buffer
	for i, item := range set {
		line, err := SerializeItem(item)
		if err != nil {
			return nil, fmt.Errorf("serialize item %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

func DeserializeItem(line []byte) (AnnotationItem, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("expected a json object")
	}
	var item AnnotationItem
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return nil, err
	}
	if item == nil {
		item = AnnotationItem{}
	}
	return item, nil
}

// DeserializeSet parses newline-delimited JSON. Blank lines are dropped; any
// other unparsable line fails the whole set.
func DeserializeSet(content []byte) (AnnotationSet, error) {
	out := AnnotationSet{}
	for i, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		item, err := DeserializeItem([]byte(line))
		if err != nil {
			return nil, &MalformedContentError{Line: i + 1, Err: err}
		}
		out = append(out, item)
	}
	return out, nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	writeUnescapedLineSeparators(buf, bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// writeUnescapedLineSeparators copies an encoded JSON string, turning the
// \u2028 and \u2029 escapes encoding/json always emits back into the raw
// characters, as JSON.stringify writes them.
func writeUnescapedLineSeparators(buf *bytes.Buffer, encoded []byte) {
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c != '\\' || i+1 >= len(encoded) {
			buf.WriteByte(c)
			continue
		}
		if rest := encoded[i+1:]; len(rest) >= 5 && rest[0] == 'u' {
			switch string(rest[1:5]) {
			case "2028":
				buf.WriteRune('\u2028')
				i += 5
				continue
			case "2029":
				buf.WriteRune('\u2029')
				i += 5
				continue
			}
		}
		buf.WriteByte(c)
		buf.WriteByte(encoded[i+1])
		i++
	}
}
