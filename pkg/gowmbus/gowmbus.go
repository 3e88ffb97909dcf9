// Package gowmbus is the Go client of the wmbusd decoding service. It talks
// to a running daemon over TCP or a unix socket, or decodes in-process with
// the same drivers.
package gowmbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"gitlab.com/d21d3q/wmbusd/internal/decoder"
	"gitlab.com/d21d3q/wmbusd/internal/driver/builtin"
	"gitlab.com/d21d3q/wmbusd/internal/protocol"
)

// Request asks for one telegram to be decoded. Empty Key, Driver and
// Format mean no key, driver detection and format detection.
type Request struct {
	Telegram string
	Key      string
	Driver   string
	Format   string
}

func (r Request) line() ([]byte, error) {
	data, err := json.Marshal(wireRequest{
		Kind:     protocol.KindDecode,
		Telegram: r.Telegram,
		Key:      r.Key,
		Driver:   r.Driver,
		Format:   r.Format,
	})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

type wireRequest struct {
	Kind     string `json:"_"`
	Telegram string `json:"telegram"`
	Key      string `json:"key,omitempty"`
	Driver   string `json:"driver,omitempty"`
	Format   string `json:"format,omitempty"`
}

// Result is one response. Exactly one of a decoded telegram (Meter, Fields)
// or a failure (Error) is set.
type Result struct {
	Media  string
	Meter  string
	ID     string
	Fields map[string]any

	Error    string
	Telegram string

	// Line is the response as received, without the trailing newline.
	Line []byte
}

// String returns the JSON line of the response.
func (r Result) String() string {
	return string(r.Line)
}

// Err returns a *DecodeError for failure responses and nil otherwise.
func (r Result) Err() error {
	if r.Error == "" {
		return nil
	}
	return &DecodeError{Message: r.Error, ID: r.ID}
}

// DecodeError is a failure reported by the decoder for one request.
type DecodeError struct {
	Message string
	// ID is the meter id when the header could be parsed.
	ID string
}

func (e *DecodeError) Error() string {
	if e.ID == "" {
		return e.Message
	}
	return fmt.Sprintf("meter %s: %s", e.ID, e.Message)
}

// parseResult reads one response line.
func parseResult(line []byte) (Result, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Result{}, fmt.Errorf("malformed response: %w", err)
	}
	res := Result{Line: append([]byte(nil), line...)}
	str := func(key string) string {
		s, _ := raw[key].(string)
		delete(raw, key)
		return s
	}
	if msg, ok := raw["error"].(string); ok {
		delete(raw, "error")
		res.Error = msg
		res.ID = str("id")
		res.Telegram = str("telegram")
		return res, nil
	}
	if kind := str("_"); kind != protocol.KindTelegram {
		return Result{}, fmt.Errorf("malformed response: unexpected kind %q", kind)
	}
	res.Media = str("media")
	res.Meter = str("meter")
	res.ID = str("id")
	res.Fields = raw
	return res, nil
}

// AnalyzeHex decodes one telegram in-process with a throwaway meter cache.
// The returned error covers encoding problems only; decode failures are
// reported through Result.Err.
func AnalyzeHex(ctx context.Context, hex string, opts AnalyzeOptions) (Result, error) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	cache, err := decoder.NewCache(1, log)
	if err != nil {
		return Result{}, err
	}
	d := decoder.New(builtin.Registry(), log)
	resp := d.Decode(ctx, opts.request(hex), cache)
	line, err := resp.MarshalJSON()
	if err != nil {
		return Result{}, fmt.Errorf("encode result: %w", err)
	}
	return parseResult(line)
}
