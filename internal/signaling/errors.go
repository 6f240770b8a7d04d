package signaling

import "fmt"

// SignalingError marks a fatal handshake or control-channel failure. The
// session cannot continue; the caller decides whether to re-establish.
type SignalingError struct {
	Op  string // handshake phase or operation that failed
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// DiscoveryError marks exhaustion of external-address discovery retries.
// Fatal to the session, like SignalingError.
type DiscoveryError struct {
	Attempts int
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("address discovery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
