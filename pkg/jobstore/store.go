package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a patch or get misses its row.
var ErrNotFound = errors.New("job store row not found")

// InternalError wraps store rejections that indicate a programming or race
// bug rather than a flaky backend: guard rejections, duplicate keys, rate
// limiting. Callers must not retry these blindly.
type InternalError struct {
	Op      string
	Subtype string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Subtype != "" {
		return fmt.Sprintf("job store %s: %s: %v", e.Op, e.Subtype, e.Err)
	}
	return fmt.Sprintf("job store %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsInternal reports whether err is a critical store rejection.
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

// Error subtypes recorded on status changes and critical rejections.
const (
	SubtypeTransition   = "Job Status Transition Error"
	SubtypeDuplicateKey = "Duplicate Key Value Violates Unique Constraint"
)

// Op names a comparison in a filter condition.
type Op string

const (
	OpEq  Op = "eq"
	OpIn  Op = "in"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Cond is one attribute comparison.
type Cond struct {
	Attr   string
	Op     Op
	Value  any
	Values []any // for OpIn
}

// Filter selects rows of one resource. Conds are ANDed; Or, when set, is a
// disjunction evaluated alongside them.
type Filter struct {
	Conds   []Cond
	Or      []Cond
	OrderBy string
	Desc    bool
	Limit   int
}

// Eq is shorthand for a single equality filter.
func Eq(attr string, value any) Filter {
	return Filter{Conds: []Cond{{Attr: attr, Op: OpEq, Value: value}}}
}

// In is shorthand for a single membership filter.
func In(attr string, values ...any) Filter {
	return Filter{Conds: []Cond{{Attr: attr, Op: OpIn, Values: values}}}
}

// Store persists job entities. Implementations: rest (the production
// PostgREST-style API) and sqlite (embedded, for single-node deployments
// and tests).
type Store interface {
	// Post inserts e and fills its serial id.
	Post(ctx context.Context, e Persistable) error

	// Patch updates the row matching e's id with e's non-id columns.
	Patch(ctx context.Context, e Persistable) error

	// Get loads rows into entities produced by newEntity.
	Get(ctx context.Context, f Filter, newEntity func() Persistable) ([]Persistable, error)

	// InsertIfAbsent inserts e unless a row with the same values in
	// keyCols exists. Reports whether the insert happened.
	InsertIfAbsent(ctx context.Context, e Persistable, keyCols ...string) (bool, error)

	// SetStatus transitions the parent job, appending the status change
	// entry and updating last_status_id and last_status_change_date
	// together. The guard applies: invalid transitions come back as
	// InternalError wrapping a TransitionError.
	SetStatus(ctx context.Context, job *ParentJob, to Status, errSubtype, errMsg string) error
}

// NewStatusChange builds the history entry SetStatus implementations
// append.
func NewStatusChange(job *ParentJob, to Status, errSubtype, errMsg string, at time.Time) *JobStatusChange {
	return &JobStatusChange{
		ParentJobID:  job.ID,
		StatusID:     to,
		Timestamp:    at.UTC(),
		ErrorSubtype: errSubtype,
		ErrorMessage: errMsg,
	}
}
