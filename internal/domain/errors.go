package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine. Every operation failure wraps one of
// these; they are reported to the originating connection only and never
// produce a broadcast.
var (
	ErrNotFound        = fmt.Errorf("not found")
	ErrNotAParticipant = fmt.Errorf("not a participant of this session")
	ErrAlreadyJoined   = fmt.Errorf("already joined this session")
	ErrInvalidShape    = fmt.Errorf("invalid shape")
	ErrSessionNotEmpty = fmt.Errorf("session still has participants")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Archive errors.
	ErrSnapshotNotFound   = fmt.Errorf("snapshot not found")
	ErrArchiveUnavailable = fmt.Errorf("archive unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Coordinator.Join")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category carried on RPC error
// responses so clients can branch without string matching.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeNotAParticipant   ErrorCode = "NOT_A_PARTICIPANT"
	CodeAlreadyJoined     ErrorCode = "ALREADY_JOINED"
	CodeInvalidShape      ErrorCode = "INVALID_SHAPE"
	CodeSessionNotEmpty   ErrorCode = "SESSION_NOT_EMPTY"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeSnapshotNotFound  ErrorCode = "SNAPSHOT_NOT_FOUND"
	CodeArchiveUnavail    ErrorCode = "ARCHIVE_UNAVAILABLE"
)

var codeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrNotAParticipant:    CodeNotAParticipant,
	ErrAlreadyJoined:      CodeAlreadyJoined,
	ErrInvalidShape:       CodeInvalidShape,
	ErrSessionNotEmpty:    CodeSessionNotEmpty,
	ErrGatewayAuthFailed:  CodeGatewayAuth,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
	ErrSnapshotNotFound:   CodeSnapshotNotFound,
	ErrArchiveUnavailable: CodeArchiveUnavail,
}

// ErrorCodeOf maps an error to its ErrorCode, unwrapping as needed.
func ErrorCodeOf(err error) ErrorCode {
	for sentinel, code := range codeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
