// Package protocol implements the JSON lines exchanged with decode clients:
// one request object per line in, one response object per line out.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

const (
	// KindDecode is the only request kind.
	KindDecode = "decode"
	// KindTelegram marks a successful response.
	KindTelegram = "telegram"
)

// Request is one decode request. Telegram is nil when the field is absent.
type Request struct {
	Kind     string  `json:"_"`
	Telegram *string `json:"telegram"`
	Key      string  `json:"key"`
	Driver   string  `json:"driver"`
	Format   string  `json:"format"`
}

// ParseRequest decodes a single request line. Unknown fields are ignored.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("malformed JSON request: %w", err)
	}
	if dec.More() {
		return Request{}, fmt.Errorf("malformed JSON request: trailing data after object")
	}
	return req, nil
}

// Response is either a decoded telegram or an error, never both.
type Response struct {
	Media  string
	Meter  string
	ID     string
	Fields map[string]any

	// Error is set for failures. Telegram echoes the request hex when the
	// request carried one.
	Error    string
	Telegram *string
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool {
	return r.Error != ""
}

// MarshalJSON renders the response with a stable key order so the same
// result always serializes to the same bytes.
func (r Response) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	w := objectWriter{buf: &buf}
	buf.WriteByte('{')
	if r.Failed() {
		w.field("error", r.Error)
		if r.ID != "" {
			w.field("id", r.ID)
		}
		if r.Telegram != nil {
			w.field("telegram", *r.Telegram)
		}
	} else {
		w.field("_", KindTelegram)
		w.field("media", r.Media)
		w.field("meter", r.Meter)
		w.field("id", r.ID)
		names := make([]string, 0, len(r.Fields))
		for name := range r.Fields {
			switch name {
			case "_", "media", "meter", "id":
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			w.field(name, r.Fields[name])
		}
	}
	if w.err != nil {
		return nil, w.err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type objectWriter struct {
	buf   *bytes.Buffer
	count int
	err   error
}

func (w *objectWriter) field(name string, value any) {
	if w.err != nil {
		return
	}
	v, err := json.Marshal(value)
	if err != nil {
		w.err = fmt.Errorf("field %s: %w", name, err)
		return
	}
	if w.count > 0 {
		w.buf.WriteByte(',')
	}
	k, _ := json.Marshal(name)
	w.buf.Write(k)
	w.buf.WriteByte(':')
	w.buf.Write(v)
	w.count++
}

// WriteResponse writes resp as one line with a single Write call.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
