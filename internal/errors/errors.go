package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodePermissionDenied   = Code(codes.PermissionDenied)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusConflict,
	CodePermissionDenied:   http.StatusForbidden,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

// Reason classifies an expected, recoverable condition of the engine.
type Reason string

const (
	ReasonInvalidTransition    Reason = "INVALID_TRANSITION"
	ReasonRoomNotJoinable      Reason = "ROOM_NOT_JOINABLE"
	ReasonDuplicateParticipant Reason = "DUPLICATE_PARTICIPANT"
	ReasonStaleQuestion        Reason = "STALE_QUESTION"
	ReasonDuplicateAnswer      Reason = "DUPLICATE_ANSWER"
	ReasonInsufficientXP       Reason = "INSUFFICIENT_XP"
	ReasonAlreadyOwned         Reason = "ALREADY_OWNED"
	ReasonRewardAlreadyGranted Reason = "REWARD_ALREADY_GRANTED"
	ReasonStorageUnavailable   Reason = "STORAGE_UNAVAILABLE"
	ReasonAccessCodeTaken      Reason = "ACCESS_CODE_TAKEN"
	ReasonNotFound             Reason = "NOT_FOUND"
	ReasonInvalidArgument      Reason = "INVALID_ARGUMENT"
	ReasonPermissionDenied     Reason = "PERMISSION_DENIED"
)

var reason2code = map[Reason]Code{
	ReasonInvalidTransition:    CodeFailedPrecondition,
	ReasonRoomNotJoinable:      CodeFailedPrecondition,
	ReasonDuplicateParticipant: CodeAlreadyExists,
	ReasonStaleQuestion:        CodeFailedPrecondition,
	ReasonDuplicateAnswer:      CodeAlreadyExists,
	ReasonInsufficientXP:       CodeFailedPrecondition,
	ReasonAlreadyOwned:         CodeAlreadyExists,
	ReasonRewardAlreadyGranted: CodeAlreadyExists,
	ReasonStorageUnavailable:   CodeUnavailable,
	ReasonAccessCodeTaken:      CodeAlreadyExists,
	ReasonNotFound:             CodeNotFound,
	ReasonInvalidArgument:      CodeInvalidArgument,
	ReasonPermissionDenied:     CodePermissionDenied,
}

// Sentinels for errors.Is. They match any *Error carrying the same reason.
var (
	ErrInvalidTransition    = Reasoned(ReasonInvalidTransition)
	ErrRoomNotJoinable      = Reasoned(ReasonRoomNotJoinable)
	ErrDuplicateParticipant = Reasoned(ReasonDuplicateParticipant)
	ErrStaleQuestion        = Reasoned(ReasonStaleQuestion)
	ErrDuplicateAnswer      = Reasoned(ReasonDuplicateAnswer)
	ErrInsufficientXP       = Reasoned(ReasonInsufficientXP)
	ErrAlreadyOwned         = Reasoned(ReasonAlreadyOwned)
	ErrRewardAlreadyGranted = Reasoned(ReasonRewardAlreadyGranted)
	ErrStorageUnavailable   = Reasoned(ReasonStorageUnavailable)
	ErrAccessCodeTaken      = Reasoned(ReasonAccessCodeTaken)
	ErrNotFound             = Reasoned(ReasonNotFound)
	ErrInvalidArgument      = Reasoned(ReasonInvalidArgument)
	ErrPermissionDenied     = Reasoned(ReasonPermissionDenied)
)

type Error struct {
	Code    Code   `json:"code"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

// Reasoned builds an error whose code is derived from the reason.
func Reasoned(r Reason, opts ...Option) *Error {
	code, ok := reason2code[r]
	if !ok {
		code = CodeInternal
	}

	return New(code, append([]Option{WithReason(r), WithMessagef("%s", r)}, opts...)...)
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s = fmt.Sprintf("code: %d, reason: %s, message: %s", e.Code, e.Reason, e.Message)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is an *Error with the same non-empty reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Reason == "" {
		return false
	}

	return e.Reason == t.Reason
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

// Unavailable wraps a persistence failure that is not a classified constraint violation.
func Unavailable(err error) *Error {
	return Reasoned(ReasonStorageUnavailable, WithCause(err))
}

// ReasonOf returns the reason carried by err, or "" if there is none.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}

	return ""
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithReason(r Reason) Option {
	return optionFunc(func(e *Error) {
		e.Reason = r
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
