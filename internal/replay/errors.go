package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/deskrelay/internal/actionqueue"
)

var (
	ErrSubmissionFailed = errors.New("replay submission failed")
	ErrTerminalFailure  = errors.New("replay terminal failure")
)

// SubmissionError describes one failed submission. StatusCode is zero when the
// request never produced a response.
type SubmissionError struct {
	ActionID   string
	Kind       string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("submit %s %s: http %d %s: %s", e.Kind, e.ActionID, e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("submit %s %s: http %d: %s", e.Kind, e.ActionID, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("submit %s %s: %v", e.Kind, e.ActionID, e.Err)
	default:
		return fmt.Sprintf("submit %s %s failed", e.Kind, e.ActionID)
	}
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmissionFailed
}

// TerminalFailure is reported once an action has used up its attempts. The
// action stays queued until it is discarded.
type TerminalFailure struct {
	Action actionqueue.Action
	Err    error
}

func (f TerminalFailure) Error() string {
	return fmt.Sprintf("action %s (%s) failed after %d attempts: %v", f.Action.ID, f.Action.Kind, f.Action.Attempts, f.Err)
}

func (f TerminalFailure) Unwrap() error {
	return f.Err
}

func (f TerminalFailure) Is(target error) bool {
	return target == ErrTerminalFailure
}

func retryAfterOf(err error) time.Duration {
	var submission *SubmissionError
	if errors.As(err, &submission) {
		return submission.RetryAfter
	}
	return 0
}
