// Package dispatch runs build and reconcile jobs off the request path.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"burstflare/internal/flare"
	"burstflare/internal/metrics"
)

// Handler executes dispatched jobs. *flare.Engine satisfies it.
type Handler interface {
	ProcessBuildJob(ctx context.Context, buildID string) (*flare.TemplateBuild, error)
	ReconcileAll(ctx context.Context) (*flare.ReconcileReport, error)
}

// JobType names the kind of work carried by a Job.
type JobType string

const (
	JobBuild     JobType = "build"
	JobReconcile JobType = "reconcile"
)

// Job is the unit of dispatched work.
type Job struct {
	Type    JobType `json:"type"`
	BuildID string  `json:"buildId,omitempty"`
}

func (j Job) encode() ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("decoding job: %w", err)
	}
	switch j.Type {
	case JobBuild:
		if j.BuildID == "" {
			return Job{}, fmt.Errorf("build job without build id")
		}
	case JobReconcile:
	default:
		return Job{}, fmt.Errorf("unknown job type %q", j.Type)
	}
	return j, nil
}

// run executes one job against h and records its outcome.
func run(ctx context.Context, h Handler, logger flare.Logger, j Job) error {
	start := time.Now()
	err := execute(ctx, h, logger, j)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.JobsTotal.WithLabelValues(string(j.Type), status).Inc()
	metrics.JobDuration.WithLabelValues(string(j.Type)).Observe(time.Since(start).Seconds())
	return err
}

func execute(ctx context.Context, h Handler, logger flare.Logger, j Job) error {
	switch j.Type {
	case JobBuild:
		b, err := h.ProcessBuildJob(ctx, j.BuildID)
		if err != nil {
			return fmt.Errorf("build %s: %w", j.BuildID, err)
		}
		logger.Debug("build job finished", "build", j.BuildID, "status", b.Status, "attempts", b.Attempts)
	case JobReconcile:
		r, err := h.ReconcileAll(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if r.Changed() {
			logger.Info("reconcile job finished", "slept", r.SleptSessions, "processed", r.ProcessedBuilds, "purged", r.PurgedSessions)
		}
	}
	return nil
}
