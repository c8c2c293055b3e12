package harmony

import (
	"strings"
)

// Kind categorizes a binding failure.
type Kind string

const (
	// KindInvalidHandle: the handle is zero, released, or was never live.
	// Detected before any engine call.
	KindInvalidHandle Kind = "invalid_handle"
	// KindConversion: input cannot be represented as an engine C string
	// (interior NUL, invalid UTF-8) or engine output is not valid UTF-8.
	KindConversion Kind = "conversion"
	// KindEngine: the engine reported failure or returned NULL.
	KindEngine Kind = "engine"
	// KindAllocation: engine memory could not be allocated or read.
	KindAllocation Kind = "allocation"
	// KindUnsupported: the engine lacks an optional capability.
	KindUnsupported Kind = "unsupported"
)

// Operation names used in errors and logs.
const (
	opEncodePlain   = "encode_plain"
	opRenderPrompt  = "render_prompt"
	opDecode        = "decode"
	opStopTokens    = "stop_tokens"
	opStreamNew     = "stream_new"
	opStreamFeed    = "stream_feed"
	opStreamPending = "stream_has_pending"
	opStreamFlush   = "stream_flush"
	opStreamReset   = "stream_reset"
)

// Error is returned by every failing operation.
type Error struct {
	Op     string
	Kind   Kind
	Detail string
	Cause  error
}

// Sentinels for errors.Is. They match any operation with the same Kind.
var (
	ErrInvalidHandle = &Error{Kind: KindInvalidHandle}
	ErrConversion    = &Error{Kind: KindConversion}
	ErrEngine        = &Error{Kind: KindEngine}
	ErrAllocation    = &Error{Kind: KindAllocation}
	ErrUnsupported   = &Error{Kind: KindUnsupported}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("harmony: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind, and on Op when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Op == "" || t.Op == e.Op)
}

func invalidHandle(op string) error {
	return &Error{Op: op, Kind: KindInvalidHandle}
}

func conversionError(op, detail string, cause error) error {
	return &Error{Op: op, Kind: KindConversion, Detail: detail, Cause: cause}
}

func engineError(op, detail string) error {
	return &Error{Op: op, Kind: KindEngine, Detail: detail}
}

func allocationError(op, detail string, cause error) error {
	return &Error{Op: op, Kind: KindAllocation, Detail: detail, Cause: cause}
}

func unsupported(op, detail string) error {
	return &Error{Op: op, Kind: KindUnsupported, Detail: detail}
}
