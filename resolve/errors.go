package resolve

import "fmt"

// Reason classifies a resolution failure.
type Reason string

const (
	ReasonNetwork  Reason = "network"
	ReasonNoSource Reason = "no_source"
	ReasonAuth     Reason = "auth"
)

// Error is returned when no mirror could resolve a request.
type Error struct {
	Reason Reason
	Mirror string
	Err    error
}

func (e *Error) Error() string {
	if e.Mirror == "" {
		return fmt.Sprintf("resolve: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve via %s: %s: %v", e.Mirror, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
