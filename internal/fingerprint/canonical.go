package fingerprint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Canonicalize re-serialises a JSON object document so that documents that
// differ only in key order or insignificant whitespace produce identical
// bytes.
//
// Rules:
//   - object keys are sorted by their UTF-8 byte order
//   - no whitespace between tokens
//   - strings are re-encoded without HTML escaping
//   - number literals are copied verbatim (1.0 and 1 stay distinct)
//   - duplicate keys, invalid UTF-8, unpaired surrogate escapes and
//     trailing data are rejected
func Canonicalize(doc []byte) ([]byte, error) {
	if !utf8.Valid(doc) {
		return nil, errors.New("document is not valid UTF-8")
	}
	if err := checkSurrogates(doc); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("document must be a JSON object")
	}
	var buf bytes.Buffer
	if err := writeObject(dec, &buf); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		if err == nil {
			return nil, errors.New("unexpected trailing data after document")
		}
		return nil, fmt.Errorf("trailing data: %w", err)
	}
	return buf.Bytes(), nil
}

func writeValue(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return writeObject(dec, buf)
		case '[':
			return writeArray(dec, buf)
		default:
			return fmt.Errorf("unexpected delimiter %q", v)
		}
	case string:
		return writeString(buf, v)
	case json.Number:
		buf.WriteString(v.String())
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("unsupported token %T", tok)
	}
	return nil
}

// writeObject is called after the opening brace has been consumed.
func writeObject(dec *json.Decoder, buf *bytes.Buffer) error {
	members := make(map[string][]byte)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("object key must be a string, got %T", tok)
		}
		if _, dup := members[key]; dup {
			return fmt.Errorf("duplicate key %q", key)
		}
		var value bytes.Buffer
		if err := writeValue(dec, &value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		members[key] = value.Bytes()
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		buf.Write(members[k])
	}
	buf.WriteByte('}')
	return nil
}

// writeArray is called after the opening bracket has been consumed.
func writeArray(dec *json.Decoder, buf *bytes.Buffer) error {
	buf.WriteByte('[')
	first := true
	for dec.More() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := writeValue(dec, buf); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	buf.WriteByte(']')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// checkSurrogates rejects \u escapes naming half of a UTF-16 surrogate pair
// without its partner. The decoder would otherwise replace them with U+FFFD,
// making distinct documents canonicalize identically.
func checkSurrogates(doc []byte) error {
	inString := false
	for i := 0; i < len(doc); i++ {
		switch c := doc[i]; {
		case c == '"':
			inString = !inString
		case c == '\\' && inString:
			if i+1 >= len(doc) || doc[i+1] != 'u' {
				i++
				continue
			}
			r, ok := hexEscape(doc, i)
			if !ok {
				i++
				continue
			}
			switch {
			case r >= 0xDC00 && r <= 0xDFFF:
				return fmt.Errorf("unpaired surrogate escape at offset %d", i)
			case r >= 0xD800 && r <= 0xDBFF:
				low, ok := hexEscape(doc, i+6)
				if !ok || low < 0xDC00 || low > 0xDFFF {
					return fmt.Errorf("unpaired surrogate escape at offset %d", i)
				}
				i += 11
			default:
				i += 5
			}
		}
	}
	return nil
}

// hexEscape decodes the \uXXXX escape starting at doc[i].
func hexEscape(doc []byte, i int) (rune, bool) {
	if i+6 > len(doc) || doc[i] != '\\' || doc[i+1] != 'u' {
		return 0, false
	}
	v, err := strconv.ParseUint(string(doc[i+2:i+6]), 16, 16)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}
