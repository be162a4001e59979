package wire

import "errors"

// ErrorCode is an error code carried on the wire in Error messages.
type ErrorCode string

const (
	CodeUnknownTool         ErrorCode = "unknown_tool"
	CodeNotReady            ErrorCode = "not_ready"
	CodeDuplicateConnect    ErrorCode = "duplicate_connect"
	CodeInvalidState        ErrorCode = "invalid_state"
	CodeAddressInUse        ErrorCode = "address_in_use"
	CodeFrameTooLarge       ErrorCode = "frame_too_large"
	CodeTruncatedFrame      ErrorCode = "truncated_frame"
	CodeBadHeader           ErrorCode = "bad_header"
	CodeUnknownVariant      ErrorCode = "unknown_variant"
	CodePayloadLimit        ErrorCode = "payload_limit_exceeded"
	CodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
)

// Codec errors. All are fatal for the link they occur on.
var (
	ErrTruncatedFrame = errors.New("truncated frame")
	ErrBadHeader      = errors.New("bad header")
	ErrUnknownVariant = errors.New("unknown variant")
	ErrPayloadLimit   = errors.New("payload limit exceeded")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// RemoteError is an Error message surfaced as a Go error by clients.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return string(e.Code) + ": " + e.Message
}
