package wire

import "fmt"

// Close codes follow the WebSocket status code space. The fallback channel
// maps its HTTP failures onto the same space so the reconnection policy has a
// single taxonomy to classify.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseServiceRestart  = 1012

	// 4xxx: application codes used by the relay protocol.
	CloseAuthRejected = 4001
	CloseRateLimited  = 4029
)

// FailureClass buckets a close code for retry decisions.
type FailureClass int

const (
	// FailureTerminal covers clean shutdown and policy/auth rejection.
	// Never retried.
	FailureTerminal FailureClass = iota
	// FailureTransient covers abnormal termination, timeouts and server
	// errors. Always scheduled for retry.
	FailureTransient
	// FailureRateLimited gets its own steeper backoff track.
	FailureRateLimited
)

// Classify maps a close code to its failure class.
func Classify(code int) FailureClass {
	switch code {
	case CloseNormal, CloseGoingAway, ClosePolicyViolation, CloseAuthRejected:
		return FailureTerminal
	case CloseRateLimited:
		return FailureRateLimited
	default:
		return FailureTransient
	}
}

// CloseError carries the close code across the transport boundary.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("channel closed with code %d", e.Code)
	}
	return fmt.Sprintf("channel closed with code %d: %s", e.Code, e.Reason)
}
