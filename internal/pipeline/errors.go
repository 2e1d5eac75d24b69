package pipeline

import "errors"

var (
	// ErrInvalidPagination means the requested window starts beyond the
	// known candidate ids. User-visible, not fatal to the session.
	ErrInvalidPagination = errors.New("pagination window beyond known candidate ids")
	// ErrNoResolvedOrganizations means discovery produced no canonical
	// ids, so there is nothing to search against.
	ErrNoResolvedOrganizations = errors.New("no organizations resolved to canonical ids")
	// ErrWrongStage means the requested operation does not match the
	// session's current stage.
	ErrWrongStage = errors.New("session is not in the required stage")
)

// ItemFailure is a per-item error collected alongside a stage's
// successes. Per-item failures never abort the run.
type ItemFailure struct {
	ID  string
	Err string
}
