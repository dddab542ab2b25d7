package flare

import "context"

// Dispatcher fans build and reconcile work out to an asynchronous executor.
// Workers call back into Engine.ProcessBuildJob and Engine.ReconcileAll.
type Dispatcher interface {
	// EnqueueBuild schedules an async attempt of the build and reports the
	// mechanism that accepted it.
	EnqueueBuild(ctx context.Context, buildID string) (Dispatch, error)

	// EnqueueReconcile schedules one unscoped reconcile sweep.
	EnqueueReconcile(ctx context.Context) error
}
