package mediator

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// ErrorKind classifies every error a handler, the ingress middleware, or
// the dispatcher can produce, per spec §7.
type ErrorKind int

const (
	// Protocol errors.
	ErrUnsupportedOperation ErrorKind = iota
	ErrInvalidMessageType
	ErrMalformedBody
	ErrMissingSenderDID

	// Auth errors.
	ErrAnonymousPacker
	ErrUncoordinatedSender
	ErrInvalidFromPrior
	ErrUnknownIssuer
	ErrAlreadyMediated

	// Envelope errors.
	ErrNotDidcommEncrypted
	ErrCouldNotUnpack
	ErrMalformedDidcommEncrypted
	ErrMessagePackingFailure

	// Persistence errors.
	ErrRepositoryError
	ErrTargetNotFound
	ErrMissingIdentifier

	// Internal.
	ErrInternalServer
)

var errorKindNames = [...]string{
	ErrUnsupportedOperation:      "UnsupportedOperation",
	ErrInvalidMessageType:        "InvalidMessageType",
	ErrMalformedBody:             "MalformedBody",
	ErrMissingSenderDID:          "MissingSenderDID",
	ErrAnonymousPacker:           "AnonymousPacker",
	ErrUncoordinatedSender:       "UncoordinatedSender",
	ErrInvalidFromPrior:          "InvalidFromPrior",
	ErrUnknownIssuer:             "UnknownIssuer",
	ErrAlreadyMediated:           "AlreadyMediated",
	ErrNotDidcommEncrypted:       "NotDidcommEncrypted",
	ErrCouldNotUnpack:            "CouldNotUnpack",
	ErrMalformedDidcommEncrypted: "MalformedDidcommEncrypted",
	ErrMessagePackingFailure:     "MessagePackingFailure",
	ErrRepositoryError:           "RepositoryError",
	ErrTargetNotFound:            "TargetNotFound",
	ErrMissingIdentifier:         "MissingIdentifier",
	ErrInternalServer:            "InternalServer",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// httpStatus is the canonical (status) half of spec §7's kind→response
// mapping. 400 for protocol/envelope shape violations, 401 for the
// anonymous-packer violation, 500 for persistence/internal failures.
func (k ErrorKind) httpStatus() int {
	switch k {
	case ErrAnonymousPacker:
		return http.StatusUnauthorized
	case ErrRepositoryError, ErrTargetNotFound, ErrMissingIdentifier, ErrInternalServer:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// MediatorError is the single error type every handler, the ingress
// middleware, and the dispatcher return. It carries enough context to
// render itself as an HTTP Response without leaking internals (spec §7:
// "Persistence failures surface as 500 InternalServer with no detail
// leakage").
type MediatorError struct {
	Kind      ErrorKind
	MessageID string
	Type      string // DIDComm message type, if known
	From      string // sender DID, if known
	Cause     error
}

func NewError(kind ErrorKind, cause error) *MediatorError {
	return &MediatorError{Kind: kind, Cause: cause}
}

func (e *MediatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v (msg=%s type=%s from=%s)", e.Kind, e.Cause, e.MessageID, e.Type, e.From)
	}
	return fmt.Sprintf("%s (msg=%s type=%s from=%s)", e.Kind, e.MessageID, e.Type, e.From)
}

func (e *MediatorError) Unwrap() error {
	return e.Cause
}

// WithMessage annotates e with the message-id/type/from of the message
// being processed, for logging and client-error bodies.
func (e *MediatorError) WithMessage(m *Message) *MediatorError {
	if m != nil {
		e.MessageID = m.ID
		e.Type = m.Type
		e.From = m.From
	}
	return e
}

// Response is a prepared HTTP response value: status plus JSON body.
// Dispatcher and ingress surface it unchanged (spec §7: "The dispatcher
// surfaces the response unchanged").
type Response struct {
	Status int
	Body   []byte
}

// errorBody is the detail-free JSON problem body persistence/internal
// failures render (spec §7: "no detail leakage"); protocol/auth/envelope
// failures include Kind.String() since it names a well-known,
// non-sensitive condition.
type errorBody struct {
	Error string `json:"error"`
}

// ToResponse renders e as the canonical (status, body) pair for its Kind.
func (e *MediatorError) ToResponse() Response {
	status := e.Kind.httpStatus()

	msg := e.Kind.String()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}

	body, _ := json.Marshal(errorBody{Error: msg})
	return Response{Status: status, Body: body}
}

// ProblemReportError is a DIDComm problem report body (spec §4.J
// live-delivery-change, §7) that also satisfies error. No protocol handler
// replies with it: pickup's live-delivery-change problem report uses its
// own code-only body type.
type ProblemReportError struct {
	Code    string `json:"code"`
	Comment string `json:"comment"`
}

func (e *ProblemReportError) Error() string {
	return fmt.Sprintf("problem report [%s]: %s", e.Code, e.Comment)
}

// AsyncErrorHandler is called by Registry.Dispatch for every error a
// protocol handler returns, always with ErrUnsupportedOperation as the
// kind; the error is still returned to Dispatch's caller. Mirrors the
// teacher's ErrorHandler callback shape, repointed at server-side handler
// errors instead of client SDK errors.
type AsyncErrorHandler func(kind ErrorKind, cause error)

// LogErrors returns an AsyncErrorHandler that logs to the given logger,
// tagged the way the teacher's LogErrors tags SDK errors.
func LogErrors(logger *log.Logger) AsyncErrorHandler {
	return func(kind ErrorKind, cause error) {
		if cause != nil {
			logger.Printf("[mediator] %s: %v", kind, cause)
		} else {
			logger.Printf("[mediator] %s", kind)
		}
	}
}
