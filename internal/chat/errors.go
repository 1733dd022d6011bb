package chat

import "errors"

// ErrRejected marks a confirmed failure: the server of record answered and
// refused the request. Anything else (timeouts, dropped connections) is
// transient and must not roll local state back.
var ErrRejected = errors.New("rejected by server")

// IsConfirmedFailure reports whether err is a definite refusal.
func IsConfirmedFailure(err error) bool { return errors.Is(err, ErrRejected) }
