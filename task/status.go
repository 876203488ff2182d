package task

import "fmt"

// Status is the lifecycle state of a download task.
type Status uint8

const (
	StatusPending Status = iota
	StatusResolving
	StatusDownloading
	StatusCompleted
	StatusError
)

var statusNames = [...]string{
	StatusPending:     "pending",
	StatusResolving:   "resolving",
	StatusDownloading: "downloading",
	StatusCompleted:   "completed",
	StatusError:       "error",
}

// validTransitions lists the allowed successors of each state. Terminal
// states have none.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusResolving},
	StatusResolving:   {StatusDownloading, StatusError},
	StatusDownloading: {StatusCompleted, StatusError},
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Active reports whether the task holds a live cancel handle.
func (s Status) Active() bool {
	return s == StatusResolving || s == StatusDownloading
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Label is the human-readable phase text shown next to a task.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "waiting"
	case StatusResolving:
		return "fetching song info"
	case StatusDownloading:
		return "downloading"
	case StatusCompleted:
		return "download complete"
	case StatusError:
		return "download failed"
	}
	return s.String()
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}
