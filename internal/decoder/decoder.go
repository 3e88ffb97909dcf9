// Package decoder turns decode requests into responses: it validates the
// request, resolves the framing and the driver, decrypts and hands the
// records to the driver.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"gitlab.com/d21d3q/wmbusd/internal/crypto"
	"gitlab.com/d21d3q/wmbusd/internal/driver"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
	"gitlab.com/d21d3q/wmbusd/internal/options"
	"gitlab.com/d21d3q/wmbusd/internal/protocol"
)

const (
	msgMissingTelegram = "missing 'telegram' field in JSON input"
	msgInvalidHex      = "invalid hex string in 'telegram' field"
	msgHeader          = "failed to parse telegram header"
)

// Dispatcher decodes requests against a frozen driver registry. It holds no
// per-connection state and is safe for concurrent use.
type Dispatcher struct {
	registry *driver.Registry
	log      logrus.FieldLogger
}

// New returns a dispatcher using reg.
func New(reg *driver.Registry, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{registry: reg, log: log}
}

// Job is a request parsed up to the telegram header. Preparing a job
// touches no meter state, so jobs can be prepared in the order requests
// arrive and decoded later on any goroutine.
type Job struct {
	req      protocol.Request
	t        *frame.Telegram
	keyBytes []byte
	identity string
	err      error
}

// Identity names the cached meter the job reads and updates. It is empty
// when the request failed before its header was parsed.
func (j *Job) Identity() string {
	if j.t == nil {
		return ""
	}
	return j.identity
}

// ID returns the meter id once the header was parsed.
func (j *Job) ID() string {
	if j.t == nil {
		return ""
	}
	return j.t.ID()
}

// Prepare parses one request line and the telegram header.
func (d *Dispatcher) Prepare(line []byte) *Job {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		d.log.WithField("line", truncate(string(line), 128)).Debug("malformed request line")
		return &Job{err: newError(KindRequestShape, "parse", err.Error(), err)}
	}
	return d.prepare(req)
}

// DecodeLine prepares and executes one request line and returns its
// response.
func (d *Dispatcher) DecodeLine(ctx context.Context, line []byte, cache *Cache) protocol.Response {
	var resp protocol.Response
	d.Execute(ctx, d.Prepare(line), cache, func(r protocol.Response) { resp = r })
	return resp
}

// Execute decodes job and hands its response to reply, exactly once. When
// ctx is done before the driver returns, a timeout response is handed over
// right away; Execute itself still returns only after the driver did, so
// the caller keeps accounting for the work.
func (d *Dispatcher) Execute(ctx context.Context, job *Job, cache *Cache, reply func(protocol.Response)) {
	if job.err != nil {
		reply(d.failure(job.req, job.ID(), job.err))
		return
	}
	if err := ctx.Err(); err != nil {
		reply(d.TimeoutFailure(job, err))
		return
	}
	done := make(chan protocol.Response, 1)
	go func() { done <- d.run(ctx, job, cache) }()
	select {
	case resp := <-done:
		reply(resp)
		return
	case <-ctx.Done():
		reply(d.TimeoutFailure(job, ctx.Err()))
	}
	<-done
}

// TimeoutFailure builds the response for a job whose deadline passed.
func (d *Dispatcher) TimeoutFailure(job *Job, err error) protocol.Response {
	return d.failure(job.req, job.ID(), newError(KindTimeout, "decode", "decode timed out", err))
}

// ShapeFailure builds the response for a line that could not be read as a
// request at all, such as one over the length limit.
func (d *Dispatcher) ShapeFailure(err error) protocol.Response {
	return d.failure(protocol.Request{}, "", newError(KindRequestShape, "read", err.Error(), err))
}

// Decode runs the decode pipeline for req using the meters in cache.
func (d *Dispatcher) Decode(ctx context.Context, req protocol.Request, cache *Cache) protocol.Response {
	return d.run(ctx, d.prepare(req), cache)
}

func (d *Dispatcher) run(ctx context.Context, job *Job, cache *Cache) protocol.Response {
	resp, err := d.decodeJob(ctx, job, cache)
	if err != nil {
		return d.failure(job.req, job.ID(), err)
	}
	return resp
}

func (d *Dispatcher) decode(ctx context.Context, req protocol.Request, cache *Cache) (protocol.Response, string, error) {
	job := d.prepare(req)
	resp, err := d.decodeJob(ctx, job, cache)
	return resp, job.ID(), err
}

func (d *Dispatcher) prepare(req protocol.Request) *Job {
	job := &Job{req: req}
	if req.Kind != "" && req.Kind != protocol.KindDecode {
		job.err = newError(KindRequestShape, "validate", fmt.Sprintf("unknown request kind %q", req.Kind), nil)
		return job
	}
	if req.Telegram == nil {
		job.err = newError(KindRequestShape, "validate", msgMissingTelegram, nil)
		return job
	}
	raw, err := options.ParseTelegramHex(*req.Telegram)
	if err != nil {
		job.err = newError(KindRequestShape, "validate", msgInvalidHex, err)
		return job
	}
	if job.keyBytes, err = options.ParseKeyHex(req.Key); err != nil {
		job.err = newError(KindRequestShape, "validate", "invalid 'key' field: "+err.Error(), err)
		return job
	}
	format, err := frame.ParseFormat(strings.ToLower(strings.TrimSpace(req.Format)))
	if err != nil {
		job.err = newError(KindRequestShape, "validate", "invalid 'format' field: "+err.Error(), err)
		return job
	}

	if format == "" {
		if format, err = frame.Detect(raw); err != nil {
			job.err = newError(KindFormat, "detect", err.Error(), err)
			return job
		}
	}
	t, err := frame.Parse(raw, format)
	if err != nil {
		job.err = newError(KindFormat, "parse", msgHeader+": "+err.Error(), err)
		return job
	}
	job.t = t
	job.identity = identity(t.Address())
	return job
}

func (d *Dispatcher) decodeJob(ctx context.Context, job *Job, cache *Cache) (protocol.Response, error) {
	if job.err != nil {
		return protocol.Response{}, job.err
	}
	t, req := job.t, job.req
	key := options.NormalizeKey(req.Key)
	driverReq := options.NormalizeDriver(req.Driver)
	m, err := cache.acquire(job.identity, key, driverReq, func() (*meter, error) {
		return d.newMeter(t, key, job.keyBytes, driverReq)
	})
	if err != nil {
		return protocol.Response{}, err
	}

	if err := decrypt(t, m); err != nil {
		return protocol.Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, newError(KindTimeout, "decrypt", "decode timed out", err)
	}

	payload, err := records(t, m)
	if err != nil {
		return protocol.Response{}, err
	}
	fields, err := process(ctx, m.drv, t, payload)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Response{}, newError(KindTimeout, "process", "decode timed out", ctx.Err())
		}
		return protocol.Response{}, err
	}
	addr := t.Address()
	return protocol.Response{
		Media:  frame.MediaName(addr.DeviceType),
		Meter:  m.drv.Name(),
		ID:     t.ID(),
		Fields: fields,
	}, nil
}

func (d *Dispatcher) newMeter(t *frame.Telegram, key string, keyBytes []byte, driverReq string) (*meter, error) {
	var (
		drv driver.Driver
		err error
	)
	if driverReq == options.AutoDriver {
		drv, err = d.registry.Lookup(t.Address())
	} else {
		drv, err = d.registry.ByName(driverReq)
		if err != nil {
			err = fmt.Errorf("unknown driver %q", driverReq)
		}
	}
	if err != nil {
		return nil, newError(KindUnknownDriver, "resolve", err.Error(), err)
	}
	block, err := crypto.NewBlock(keyBytes)
	if err != nil {
		return nil, newError(KindRequestShape, "validate", "invalid 'key' field: "+err.Error(), err)
	}
	var known [][]byte
	if fp, ok := drv.(driver.FormatProvider); ok {
		known = fp.KnownFormats()
	}
	return &meter{
		key:       key,
		driverReq: driverReq,
		block:     block,
		drv:       drv,
		formats:   wmbus.NewFormatStore(known...),
	}, nil
}

func decrypt(t *frame.Telegram, m *meter) error {
	if err := crypto.OpenELL(t, m.block); err != nil {
		return cryptoError("decrypt ell", err)
	}
	if err := t.ParseTransport(); err != nil {
		return newError(KindFormat, "parse transport", msgHeader+": "+err.Error(), err)
	}
	if err := crypto.DecryptTPL(t, m.block); err != nil {
		return cryptoError("decrypt tpl", err)
	}
	return nil
}

func cryptoError(op string, err error) error {
	switch {
	case errors.Is(err, crypto.ErrKeyRequired):
		return newError(KindMissingKey, op, crypto.ErrKeyRequired.Error(), err)
	case errors.Is(err, crypto.ErrInvalidKey):
		return newError(KindDecryptionFailed, op, crypto.ErrInvalidKey.Error(), err)
	default:
		return newError(KindDecryptionFailed, op, "decryption failed: "+err.Error(), err)
	}
}

// records expands compact frames and splits the payload. Full frames teach
// their layout to the meter so later compact frames can be expanded.
func records(t *frame.Telegram, m *meter) (wmbus.Payload, error) {
	data := t.Payload
	if t.TPL.Compact {
		header, ok := m.formats.Lookup(t.TPL.FormatSignature)
		if !ok {
			err := fmt.Errorf("%w (signature %04X)", wmbus.ErrUnknownCompactFormat, t.TPL.FormatSignature)
			return wmbus.Payload{}, newError(KindDecodeFailed, "expand", "decoding failed: "+err.Error(), err)
		}
		full, err := wmbus.ExpandCompact(header, data, t.TPL.FullCRC)
		if err != nil {
			return wmbus.Payload{}, newError(KindDecodeFailed, "expand", "decoding failed: "+err.Error(), err)
		}
		data = full
	}
	p, err := wmbus.ParseRecords(data)
	if err != nil {
		return wmbus.Payload{}, newError(KindDecodeFailed, "records", "decoding failed: "+err.Error(), err)
	}
	if !t.TPL.Compact {
		m.formats.Learn(p.Header)
	}
	return p, nil
}

func process(ctx context.Context, drv driver.Driver, t *frame.Telegram, p wmbus.Payload) (fields map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("driver %s panicked: %v", drv.Name(), r)
			fields, err = nil, newError(KindDecodeFailed, "process", "decoding failed: "+perr.Error(), perr)
		}
	}()
	fields, err = drv.Process(ctx, t, p)
	if err != nil {
		return nil, newError(KindDecodeFailed, "process", "decoding failed: "+err.Error(), err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

func (d *Dispatcher) failure(req protocol.Request, id string, err error) protocol.Response {
	entry := d.log.WithFields(logrus.Fields{"kind": KindOf(err)})
	if id != "" {
		entry = entry.WithField("meter_id", id)
	}
	var de *Error
	if errors.As(err, &de) && de.Err != nil {
		entry = entry.WithField("op", de.Op).WithError(de.Err)
	}
	entry.Info(err.Error())
	return protocol.Response{Error: err.Error(), ID: id, Telegram: req.Telegram}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
