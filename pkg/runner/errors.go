package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/catalogue"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/staging"
)

// Successful early-outs: the run completes with no product.
var (
	// ErrTooCloudy: the scene is too cloudy to process.
	ErrTooCloudy = errors.New("scene too cloudy")

	// ErrNoLandIntersection: the acquisition footprint touches no land
	// or water mask, so there is nothing to classify.
	ErrNoLandIntersection = errors.New("no intersection with land")
)

// ErrBadInput marks an input manifest the runner cannot work with: an
// unparseable product id, an unknown DEM tile, an invalid mode.
var ErrBadInput = errors.New("bad job input")

// ChildProcessError reports a failed or timed-out external tool.
type ChildProcessError struct {
	Subtool  string
	ExitCode int
	Timeout  bool
	Tail     []string
}

func (e *ChildProcessError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out (exit %d)", e.Subtool, e.ExitCode)
	}
	msg := fmt.Sprintf("%s failed with exit %d", e.Subtool, e.ExitCode)
	if len(e.Tail) > 0 {
		msg += ": " + e.Tail[len(e.Tail)-1]
	}
	return msg
}

// IsChildProcess reports whether err is a child tool failure.
func IsChildProcess(err error) bool {
	var cpe *ChildProcessError
	return errors.As(err, &cpe)
}

// IsChildTimeout reports whether err is a child tool wall-clock timeout.
func IsChildTimeout(err error) bool {
	var cpe *ChildProcessError
	return errors.As(err, &cpe) && cpe.Timeout
}

// Classify maps a step failure onto the job's error terminal.
// external_error covers the world outside the runner: a failed tool, an
// unstageable input, a catalogue outage. internal_error covers the
// runner's own code and critical store rejections.
func Classify(err error) jobstore.Status {
	switch {
	case IsChildProcess(err),
		staging.IsStageFailed(err),
		catalogue.IsUnavailable(err),
		errors.Is(err, staging.ErrUnavailable),
		errors.Is(err, staging.ErrThrottled):
		return jobstore.StatusExternalError
	}
	return jobstore.StatusInternalError
}

// ErrorSubtype yields the last_status_error_subtype string recorded with
// a failure.
func ErrorSubtype(err error) string {
	var ie *jobstore.InternalError
	switch {
	case errors.As(err, &ie):
		return ie.Subtype
	case IsChildTimeout(err):
		return "child process timeout"
	case IsChildProcess(err):
		return "child process failed"
	case staging.IsStageFailed(err):
		return "input staging failed"
	case catalogue.IsUnavailable(err):
		return "catalogue unavailable"
	case errors.Is(err, ErrBadInput):
		return "bad job input"
	}
	return "runner error"
}

// shortMessage trims an error chain to a single store-friendly line.
func shortMessage(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
