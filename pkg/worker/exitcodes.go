package worker

import (
	"errors"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/catalogue"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/runner"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/staging"
)

// Process exit codes. Orchestrators key restart and alerting behaviour on
// these, so each failure kind maps to exactly one code.
const (
	ExitSuccess = 0
	ExitFailure = 1

	// ExitNoWork: the selection round found nothing runnable.
	ExitNoWork = 31

	ExitBadInput                = 64
	ExitStageFailed             = 65
	ExitCatalogueUnavailable    = 66
	ExitChildProcessFailed      = 67
	ExitChildProcessTimeout     = 68
	ExitStoreTransitionRejected = 69
	ExitStoreUnavailable        = 70

	// Parameter file problems, checked before any work starts.
	ExitParamsMissing    = 120
	ExitParamsIncomplete = 121
)

// ErrStoreUnavailable marks an exhausted reconnection budget against the
// job store.
var ErrStoreUnavailable = errors.New("job store unavailable")

// ExitCodeFor maps an error onto its taxonomy exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, runner.ErrBadInput):
		return ExitBadInput
	case runner.IsChildTimeout(err):
		return ExitChildProcessTimeout
	case runner.IsChildProcess(err):
		return ExitChildProcessFailed
	case staging.IsStageFailed(err):
		return ExitStageFailed
	case catalogue.IsUnavailable(err):
		return ExitCatalogueUnavailable
	case jobstore.IsInternal(err):
		return ExitStoreTransitionRejected
	case errors.Is(err, ErrStoreUnavailable):
		return ExitStoreUnavailable
	}
	return ExitFailure
}
