package task

import (
	"fmt"
	"strings"
	"time"
)

// Identity names a downloadable item for deduplication.
type Identity string

// Item is the logical media reference a task downloads.
type Item struct {
	Source string `json:"source"`
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Singer string `json:"singer,omitempty"`
	Album  string `json:"album,omitempty"`
}

func (it Item) Identity() Identity {
	return Identity(it.Source + "_" + it.ID)
}

func (it Item) Validate() error {
	if strings.TrimSpace(it.Source) == "" || strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("%w: source and id are required", ErrInvalidItem)
	}
	if strings.ContainsAny(it.Source+it.ID, "/\\") {
		return fmt.Errorf("%w: source and id must not contain path separators", ErrInvalidItem)
	}
	// The identity joins source and id with "_"; an underscore in the source
	// would make {a_b, c} and {a, b_c} the same item.
	if strings.Contains(it.Source, "_") {
		return fmt.Errorf("%w: source must not contain '_'", ErrInvalidItem)
	}
	return nil
}

// Quality is the requested encoding tier.
type Quality string

const (
	Quality128k Quality = "128k"
	Quality192k Quality = "192k"
	Quality320k Quality = "320k"
	QualityFlac Quality = "flac"
)

func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case Quality128k, Quality192k, Quality320k, QualityFlac:
		return q, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidQuality, s)
}

// Ext is the file extension written for this quality.
func (q Quality) Ext() string {
	if q == QualityFlac {
		return "flac"
	}
	return "mp3"
}

type Progress struct {
	BytesDownloaded int64 `json:"bytesDownloaded"`
	BytesTotal      int64 `json:"bytesTotal"`
	Percent         int   `json:"percent"`
	Rate            int64 `json:"rate"` // bytes per second
}

// ErrorKind classifies why a task ended in StatusError.
type ErrorKind string

const (
	KindResolution         ErrorKind = "resolution"
	KindTransfer           ErrorKind = "transfer"
	KindCancelled          ErrorKind = "cancelled"
	KindInvalidDestination ErrorKind = "invalid_destination"
)

// TaskError is the failure recorded on a task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Task is a point-in-time copy of a download task.
type Task struct {
	Identity    Identity   `json:"identity"`
	Item        Item       `json:"item"`
	Quality     Quality    `json:"quality"`
	Destination string     `json:"destination,omitempty"`
	Status      Status     `json:"status"`
	StatusText  string     `json:"statusText"`
	Progress    Progress   `json:"progress"`
	Error       *TaskError `json:"error,omitempty"`
	Cancellable bool       `json:"cancellable"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   time.Time  `json:"startedAt,omitempty"`
	FinishedAt  time.Time  `json:"finishedAt,omitempty"`
}

// EventKind names what happened to a task.
type EventKind string

const (
	EventCreated  EventKind = "task.created"
	EventStatus   EventKind = "task.status"
	EventProgress EventKind = "task.progress"
	EventRemoved  EventKind = "task.removed"
)

// Event carries a task snapshot taken right after the change.
type Event struct {
	Kind EventKind `json:"kind"`
	Task Task      `json:"task"`
}
