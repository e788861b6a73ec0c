package transfer

import "errors"

var (
	ErrNotConnected     = errors.New("wallet provider not connected")
	ErrNoAddress        = errors.New("no address found")
	ErrSubmissionFailed = errors.New("submission failed")
	ErrInvalidRequest   = errors.New("invalid transfer request")
)

// Kind names an error class for presentation.
type Kind string

const (
	KindNotConnected     Kind = "NotConnected"
	KindNoAddress        Kind = "NoAddress"
	KindSubmissionFailed Kind = "SubmissionFailed"
	KindInvalidRequest   Kind = "InvalidRequest"
	KindUnknown          Kind = "Unknown"
)

// KindOf classifies err against the executor's sentinels.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrNoAddress):
		return KindNoAddress
	case errors.Is(err, ErrSubmissionFailed):
		return KindSubmissionFailed
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}
