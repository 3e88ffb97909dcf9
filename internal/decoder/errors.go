package decoder

import "errors"

// Kind is a stable identifier for a class of decode failure. Kinds are
// logged and let callers branch on failures; clients only see the message.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	KindRequestShape     Kind = "request_shape"
	KindFormat           Kind = "format"
	KindUnknownDriver    Kind = "unknown_driver"
	KindMissingKey       Kind = "missing_key"
	KindDecryptionFailed Kind = "decryption_failed"
	KindDecodeFailed     Kind = "decode_failed"
	KindTimeout          Kind = "timeout"
)

// Error is a decode failure. Msg is the text written to the client; Op names
// the pipeline step for logs.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err is not a decode failure.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}
