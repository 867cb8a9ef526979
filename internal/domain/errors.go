package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
)

// Session and transport errors.
var (
	ErrNoPortsFound        = fmt.Errorf("no serial ports found")
	ErrTransportOpenFailed = fmt.Errorf("transport open failed")
	ErrNotConnected        = fmt.Errorf("not connected to device")
	ErrTransportWrite      = fmt.Errorf("transport write failed")
	ErrCircuitOpen         = fmt.Errorf("connect circuit open")

	// ErrDecodeAnomaly is never returned to callers; invalid bytes are
	// replaced and the anomaly is logged.
	ErrDecodeAnomaly = fmt.Errorf("invalid utf-8 in response line")

	// ErrSubscriberUnreachable is returned by Subscriber.Deliver and consumed
	// by the relay, which prunes the subscriber.
	ErrSubscriberUnreachable = fmt.Errorf("subscriber unreachable")
)

// Operation and store errors.
var (
	ErrUnknownOperation = fmt.Errorf("unknown operation")
	ErrDumpStore        = fmt.Errorf("dump store operation failed")
	ErrDumpNotFound     = fmt.Errorf("dump: %w", ErrNotFound)
)

// Gateway / RPC errors.
var (
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrAuditWrite        = fmt.Errorf("audit log write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.Connect")
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

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTransportOpenFailed) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category carried in gateway error
// frames and error events.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeNoPortsFound      ErrorCode = "NO_PORTS_FOUND"
	CodeTransportOpen     ErrorCode = "TRANSPORT_OPEN_FAILED"
	CodeNotConnected      ErrorCode = "NOT_CONNECTED"
	CodeTransportWrite    ErrorCode = "TRANSPORT_WRITE"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeDecodeAnomaly     ErrorCode = "DECODE_ANOMALY"
	CodeSubscriberGone    ErrorCode = "SUBSCRIBER_UNREACHABLE"
	CodeUnknownOperation  ErrorCode = "UNKNOWN_OPERATION"
	CodeDumpStore         ErrorCode = "DUMP_STORE"
	CodeDumpNotFound      ErrorCode = "DUMP_NOT_FOUND"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:              CodeNotFound,
	ErrTimeout:               CodeTimeout,
	ErrInvalidInput:          CodeInvalidInput,
	ErrConfigLoad:            CodeConfigLoad,
	ErrDecryption:            CodeDecryption,
	ErrEncryption:            CodeEncryption,
	ErrNoPortsFound:          CodeNoPortsFound,
	ErrTransportOpenFailed:   CodeTransportOpen,
	ErrNotConnected:          CodeNotConnected,
	ErrTransportWrite:        CodeTransportWrite,
	ErrCircuitOpen:           CodeCircuitOpen,
	ErrDecodeAnomaly:         CodeDecodeAnomaly,
	ErrSubscriberUnreachable: CodeSubscriberGone,
	ErrUnknownOperation:      CodeUnknownOperation,
	ErrDumpStore:             CodeDumpStore,
	ErrDumpNotFound:          CodeDumpNotFound,
	ErrAuthInvalid:           CodeAuthInvalid,
	ErrGatewayAuthFailed:     CodeGatewayAuth,
	ErrRPCMethodNotFound:     CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:     CodeRPCInvalidPayload,
	ErrRateLimit:             CodeRateLimit,
	ErrAuditWrite:            CodeAuditWrite,
}

// specificity lists wrapping sentinels before the categories they wrap so
// that the chain walk in ErrorCodeOf resolves to the most specific code.
var specificity = []error{
	ErrDumpNotFound,
	ErrGatewayAuthFailed,
	ErrNoPortsFound,
	ErrTransportOpenFailed,
	ErrNotConnected,
	ErrTransportWrite,
	ErrCircuitOpen,
	ErrDecodeAnomaly,
	ErrSubscriberUnreachable,
	ErrUnknownOperation,
	ErrDumpStore,
	ErrRPCMethodNotFound,
	ErrRPCInvalidPayload,
	ErrRateLimit,
	ErrAuditWrite,
	ErrAuthInvalid,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
	ErrNotFound,
	ErrTimeout,
	ErrInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range specificity {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
