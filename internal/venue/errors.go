package venue

import "fmt"

// ApiError is a non-2xx response from the venue API.
type ApiError struct {
	Status int
	Body   string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("venue api: status %d: %s", e.Status, e.Body)
}

// IsAuth reports whether the response means the session is gone.
func (e *ApiError) IsAuth() bool { return e.Status == 401 }

// NetworkError is a transport-level failure (DNS, TLS, timeout, dead proxy).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("venue %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means authentication could not be established even after the
// automatic re-login.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("venue auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// SigError is a message or order signing failure.
type SigError struct {
	Op  string
	Err error
}

func (e *SigError) Error() string { return fmt.Sprintf("venue sign %s: %v", e.Op, e.Err) }
func (e *SigError) Unwrap() error { return e.Err }

// OnChainError is a transaction that could not be sent, reverted, or timed
// out waiting for its receipt.
type OnChainError struct {
	Op  string
	Err error
}

func (e *OnChainError) Error() string { return fmt.Sprintf("chain %s: %v", e.Op, e.Err) }
func (e *OnChainError) Unwrap() error { return e.Err }
