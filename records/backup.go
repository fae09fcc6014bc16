package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MarshalJSON renders the records as nested objects with keys in canonical
// order. Every category object is present even when empty.
func (r *Records) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, code := range r.order {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeString(&b, code); err != nil {
			return nil, err
		}
		b.WriteByte(':')
		if err := r.byCode[code].writeJSON(&b); err != nil {
			return nil, fmt.Errorf("code %s: %w", code, err)
		}
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (rec *CodeRecord) writeJSON(b *bytes.Buffer) error {
	b.WriteString(`{"title":`)
	if rec.Title == nil {
		b.WriteString("null")
	} else if err := writeString(b, *rec.Title); err != nil {
		return err
	}
	for _, pt := range PatientTypes {
		b.WriteByte(',')
		if err := writeString(b, string(pt)); err != nil {
			return err
		}
		b.WriteString(":{")
		for i, cat := range Categories {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeString(b, string(cat)); err != nil {
				return err
			}
			b.WriteByte(':')
			if err := rec.Levels(pt, cat).writeJSON(b); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	}
	b.WriteByte('}')
	return nil
}

func (l *Levels) writeJSON(b *bytes.Buffer) error {
	b.WriteByte('{')
	for i, level := range l.order {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeString(b, level); err != nil {
			return err
		}
		b.WriteString(":[")
		for j, desc := range l.items[level] {
			if j > 0 {
				b.WriteByte(',')
			}
			if err := writeString(b, desc); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	}
	b.WriteByte('}')
	return nil
}

// writeString encodes s as a JSON string without HTML escaping so Korean
// text and markup characters stay literal.
func writeString(b *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	b.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// UnmarshalJSON rebuilds records from the MarshalJSON layout, preserving key
// order so that a round trip yields an identical structure.
func (r *Records) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	fresh := New()
	err := decodeObject(dec, func(code string) error {
		return fresh.decodeRecord(dec, code)
	})
	if err != nil {
		return err
	}
	*r = *fresh
	return nil
}

func (r *Records) decodeRecord(dec *json.Decoder, code string) error {
	r.Ensure(code, nil)
	rec := r.byCode[code]
	return decodeObject(dec, func(key string) error {
		switch key {
		case "title":
			var title *string
			if err := dec.Decode(&title); err != nil {
				return fmt.Errorf("code %s title: %w", code, err)
			}
			rec.Title = title
			return nil
		case string(Adult), string(Pediatric):
			pt := PatientType(key)
			return decodeObject(dec, func(cat string) error {
				c := Category(cat)
				if !c.Valid() {
					return fmt.Errorf("code %s: unknown category %q", code, cat)
				}
				return decodeObject(dec, func(level string) error {
					var descs []string
					if err := dec.Decode(&descs); err != nil {
						return fmt.Errorf("code %s %s/%s level %s: %w", code, pt, cat, level, err)
					}
					for _, d := range descs {
						r.Append(Entry{Code: code, PatientType: pt, Category: c, Level: level, Description: d})
					}
					return nil
				})
			})
		default:
			var skip json.RawMessage
			return dec.Decode(&skip)
		}
	})
}

// decodeObject consumes one JSON object from dec, calling field for every
// key. field must consume exactly the key's value.
func decodeObject(dec *json.Decoder, field func(key string) error) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		if err := field(key); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// Save writes the records as indented UTF-8 JSON to path, creating the
// parent directory when needed.
func (r *Records) Save(path string) error {
	compact, err := r.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return fmt.Errorf("indenting records: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating backup directory: %w", err)
		}
	}
	return os.WriteFile(path, out.Bytes(), 0644)
}

// Load reads records previously written by Save.
func Load(path string) (*Records, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	r := New()
	if err := r.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("decoding backup %s: %w", path, err)
	}
	return r, nil
}
