package realtime

import (
	"log/slog"

	"github.com/goforj/viewcache/optimistic"
	"github.com/goforj/viewcache/record"
)

// Reconciler folds change events into a project list and retires the
// optimistic updates they confirm.
type Reconciler struct {
	tracker *optimistic.Tracker
	logger  *slog.Logger
}

// NewReconciler returns a reconciler clearing entries from tracker. A nil
// tracker is allowed for read-only views.
func NewReconciler(tracker *optimistic.Tracker, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{tracker: tracker, logger: logger.With("component", "realtime")}
}

// Apply reduces ev into view and clears the pending optimistic update with
// the same id and kind. Malformed events leave view and tracker untouched.
func (r *Reconciler) Apply(view []record.Project, ev Event) ([]record.Project, error) {
	next, err := Reduce(view, ev)
	if err != nil {
		r.logger.Warn("realtime event rejected", "type", string(ev.Type), "table", ev.Table, "error", err)
		return view, err
	}
	if r.tracker == nil {
		return next, nil
	}
	if id, err := ev.RecordID(); err == nil {
		if r.tracker.ClearMatching(id, ev.Type.Kind()) {
			r.logger.Debug("optimistic update confirmed by realtime", "id", id, "type", string(ev.Type))
		}
	}
	return next, nil
}
