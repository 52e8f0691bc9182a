package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the codebase. Callers match them with
// errors.Is; richer failures below carry context and match with errors.As.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockTimeout   = errors.New("lock acquisition timed out")
)

// QuotaExceededError is returned by quota admission when the requested
// minutes do not fit the remaining allowance. Available is floored at zero
// for display.
type QuotaExceededError struct {
	UserID    uint
	TeamID    uint
	Requested int64
	Available int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: requested %d minutes, %d available", e.Requested, e.Available)
}

// ProviderConfigError means a provider is declared but its client could not
// be constructed (bad credentials, malformed config). Distinct from a name
// that does not exist at all, which is ErrNotFound.
type ProviderConfigError struct {
	Name  string
	Cause error
}

func (e *ProviderConfigError) Error() string {
	return fmt.Sprintf("provider %q failed to construct: %v", e.Name, e.Cause)
}

func (e *ProviderConfigError) Unwrap() error { return e.Cause }

// ProviderCallFailedError wraps a remote operation failure after the client
// was constructed. Retryable marks transient transport-level failures.
type ProviderCallFailedError struct {
	Op        string
	Provider  string
	Retryable bool
	Cause     error
}

func (e *ProviderCallFailedError) Error() string {
	return fmt.Sprintf("provider %s: %s failed: %v", e.Provider, e.Op, e.Cause)
}

func (e *ProviderCallFailedError) Unwrap() error { return e.Cause }

// InvalidTransitionError reports an operation attempted on a job whose state
// does not allow it.
type InvalidTransitionError struct {
	JobID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// NotFoundf wraps ErrNotFound with a formatted description.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// AlreadyExistsf wraps ErrAlreadyExists with a formatted description.
func AlreadyExistsf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAlreadyExists)...)
}
