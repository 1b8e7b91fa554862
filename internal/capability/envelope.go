package capability

// ErrorKind classifies a failed capability outcome. It travels in the
// envelope metadata so the orchestrator can decide recoverability
// without parsing message text.
type ErrorKind string

const (
	ErrCapabilityNotFound ErrorKind = "capability_not_found"
	ErrValidationFailed   ErrorKind = "validation_failed"
	ErrTimeout            ErrorKind = "timeout"
	ErrInternal           ErrorKind = "internal_capability_error"
	ErrInsufficientData   ErrorKind = "insufficient_data"
	ErrNoModelAvailable   ErrorKind = "no_model_available"
	ErrNoData             ErrorKind = "no_data_available"
)

const metaErrorKind = "error_kind"

// ResultEnvelope is the single shape every capability outcome takes.
// Invariant: Success implies Data is non-nil; failure implies Message
// is non-empty. OK and Failure uphold this; Normalize repairs envelopes
// built by hand.
type ResultEnvelope struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OK builds a successful envelope. A nil payload is replaced with an
// empty object to keep the success invariant.
func OK(data any, message string) *ResultEnvelope {
	if data == nil {
		data = map[string]any{}
	}
	return &ResultEnvelope{Success: true, Data: data, Message: message}
}

// Failure builds a failed envelope carrying its error kind.
func Failure(kind ErrorKind, message string) *ResultEnvelope {
	if message == "" {
		message = string(kind)
	}
	return &ResultEnvelope{
		Success:  false,
		Message:  message,
		Metadata: map[string]any{metaErrorKind: string(kind)},
	}
}

// WithMeta attaches a metadata entry and returns the envelope for chaining.
func (e *ResultEnvelope) WithMeta(key string, value any) *ResultEnvelope {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// Kind returns the error kind of a failed envelope, or "" for success.
func (e *ResultEnvelope) Kind() ErrorKind {
	if e.Success || e.Metadata == nil {
		return ""
	}
	if k, ok := e.Metadata[metaErrorKind].(string); ok {
		return ErrorKind(k)
	}
	return ""
}

// Normalize repairs an envelope so it satisfies the contract invariant.
func (e *ResultEnvelope) Normalize() *ResultEnvelope {
	if e.Success && e.Data == nil {
		e.Data = map[string]any{}
	}
	if !e.Success {
		if e.Message == "" {
			e.Message = "capability failed without a message"
		}
		if e.Kind() == "" {
			e.WithMeta(metaErrorKind, string(ErrInternal))
		}
	}
	return e
}
