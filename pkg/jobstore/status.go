// Package jobstore defines the job entities shared by every worker and the
// store protocols that persist them. The store is the only shared mutable
// state between workers; every status write goes through the transition
// guard here, and stores reject writes the guard refuses.
package jobstore

import "fmt"

// Status is the job lifecycle position. The integer values are the ranks
// persisted by the store and must never be renumbered.
type Status int

const (
	StatusInitialized      Status = 1
	StatusConfigured       Status = 2
	StatusReady            Status = 3
	StatusQueued           Status = 4
	StatusStarted          Status = 5
	StatusPreProcessing    Status = 6
	StatusProcessing       Status = 7
	StatusPostProcessing   Status = 8
	StatusProcessed        Status = 9
	StatusStartPublication Status = 10
	StatusPublished        Status = 11
	StatusDone             Status = 12
	StatusInternalError    Status = 13
	StatusExternalError    Status = 14
	StatusErrorChecked     Status = 15
	StatusCancelled        Status = 16
)

var statusNames = map[Status]string{
	StatusInitialized:      "initialized",
	StatusConfigured:       "configured",
	StatusReady:            "ready",
	StatusQueued:           "queued",
	StatusStarted:          "started",
	StatusPreProcessing:    "pre_processing",
	StatusProcessing:       "processing",
	StatusPostProcessing:   "post_processing",
	StatusProcessed:        "processed",
	StatusStartPublication: "start_publication",
	StatusPublished:        "published",
	StatusDone:             "done",
	StatusInternalError:    "internal_error",
	StatusExternalError:    "external_error",
	StatusErrorChecked:     "error_checked",
	StatusCancelled:        "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// StatusFromName resolves a persisted status name.
func StatusFromName(name string) (Status, bool) {
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Valid reports whether s is a known status rank.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition is allowed, except for
// the published -> done hand-off which Transition treats specially.
func (s Status) Terminal() bool {
	switch s {
	case StatusPublished, StatusDone, StatusErrorChecked, StatusCancelled:
		return true
	}
	return false
}

// Error reports whether s is one of the two error statuses awaiting an
// operator check.
func (s Status) IsError() bool {
	return s == StatusInternalError || s == StatusExternalError
}

// CanTransition applies the ordering rule:
//   - one step forward on the success path is always allowed
//   - any non-terminal status may move to internal_error, external_error
//     or cancelled
//   - the error statuses move only to error_checked
//   - moving backwards on the success path is allowed (recovery and
//     re-runs), skipping forward is not
//   - published may still hand off to done; nothing leaves done,
//     error_checked or cancelled
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	switch from {
	case StatusDone, StatusErrorChecked, StatusCancelled:
		return false
	case StatusPublished:
		return to == StatusDone
	case StatusInternalError, StatusExternalError:
		return to == StatusErrorChecked
	}

	switch to {
	case StatusInternalError, StatusExternalError, StatusCancelled:
		return true
	case StatusErrorChecked:
		return false
	}
	if to == from+1 {
		return true
	}
	// Backwards along the success path only.
	return to < from && to <= StatusDone
}

// Transition validates a status change.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// TransitionError is a status write the ordering rule refuses. Stores
// surface their guard rejections as this type too, so callers reconcile
// instead of retrying.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}
