package reverb

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// invalidArgument builds an InvalidArgument error for synchronous
// validation failures (append dtype/shape mismatch, malformed
// trajectories, expired CellRefs, squeeze cardinality).
func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// failedPrecondition builds a FailedPrecondition error for state
// violations (cross-episode append, non-increasing step, ApplyConfig on
// a non-empty Chunker).
func failedPrecondition(format string, args ...any) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

// deadlineExceeded builds the DeadlineExceeded error Flush/EndEpisode
// return on timeout, naming how many items are pending-write versus
// pending-confirm, matching the original implementation's message text.
func deadlineExceeded(pendingWrite, pendingConfirm int) error {
	return status.Errorf(codes.DeadlineExceeded,
		"Timeout exceeded with %d items waiting to be written and %d items awaiting confirmation.",
		pendingWrite, pendingConfirm)
}

// terminal wraps a non-retryable stream status so every subsequent
// writer operation returns it unchanged.
func terminal(cause error) error {
	if cause == nil {
		return nil
	}
	if _, ok := status.FromError(cause); ok {
		return cause
	}
	return status.Error(codes.Unknown, cause.Error())
}

// cancelled is returned by operations attempted after Close.
func cancelled() error {
	return status.Error(codes.Canceled, "trajectory writer closed")
}

// isTransient reports whether err's status code should trigger a stream
// reconnect rather than latching a terminal error. Only Unavailable is
// treated as transient; see DESIGN.md Open Questions for the rationale.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return st.Code() == codes.Unavailable
}

// IsCancelled reports whether err is the terminal error returned by
// operations attempted after Close.
func IsCancelled(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Canceled
}

// columnErrorf prefixes a validation error with the offending column
// index, matching the original implementation's "Error in column N: ..."
// phrasing.
func columnErrorf(column int, format string, args ...any) error {
	return invalidArgument("Error in column %d: %s", column, fmt.Sprintf(format, args...))
}
