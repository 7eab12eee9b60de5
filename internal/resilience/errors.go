package resilience

import "fmt"

// ClassifiedError wraps an error with a coarse retryability class,
// letting callers (action dispatch, store/fsops collaborators) mark
// an error as transient without the caller needing to know the
// concrete error type underneath.
type ClassifiedError struct {
	Type      string // "timeout", "unavailable", "permanent", ...
	Retryable bool
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err as retryable/permanent under the given type tag.
func Classify(errType string, retryable bool, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Type: errType, Retryable: retryable, Err: err}
}

// DefaultChecker treats any *ClassifiedError by its own Retryable flag,
// and any unclassified error as retryable (the teacher's permissive
// default for transient network/db calls).
type DefaultChecker struct{}

func (DefaultChecker) IsRetryable(err error) bool {
	var c *ClassifiedError
	if ok := asClassified(err, &c); ok {
		return c.Retryable
	}
	return true
}

func asClassified(err error, target **ClassifiedError) bool {
	for err != nil {
		if c, ok := err.(*ClassifiedError); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
