package flare

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ProcessResult summarizes one batch of synchronous build processing.
type ProcessResult struct {
	Processed int              `json:"processed"`
	Builds    []*TemplateBuild `json:"builds"`
}

// BuildArtifact is the record a successful build leaves in the object store.
type BuildArtifact struct {
	BuildID        string    `json:"buildId"`
	TemplateID     string    `json:"templateId"`
	VersionID      string    `json:"templateVersionId"`
	Version        string    `json:"version"`
	Image          string    `json:"image"`
	Features       []Feature `json:"features"`
	PersistedPaths []string  `json:"persistedPaths"`
	BundleBytes    int64     `json:"bundleBytes"`
	BundleDigest   string    `json:"bundleDigest,omitempty"`
	Attempts       int       `json:"attempts"`
	BuiltAt        time.Time `json:"builtAt"`
}

func sortBuilds(builds []*TemplateBuild) {
	sort.Slice(builds, func(i, j int) bool {
		if !builds[i].CreatedAt.Equal(builds[j].CreatedAt) {
			return builds[i].CreatedAt.Before(builds[j].CreatedAt)
		}
		return builds[i].ID < builds[j].ID
	})
}

func buildIn(st *State, workspaceID, buildID string) (*TemplateBuild, error) {
	b := st.TemplateBuilds[buildID]
	if b == nil || b.WorkspaceID != workspaceID {
		return nil, errNotFound("Build not found")
	}
	return b, nil
}

func (b *TemplateBuild) runnable() bool {
	return b.Status == BuildQueued || b.Status == BuildRetrying
}

// buildJob is what one attempt knows once it has claimed a build.
type buildJob struct {
	build    *TemplateBuild
	version  *TemplateVersion
	template *Template
}

// runBuild executes one attempt. async selects the dispatcher path, where a
// failure below the attempt cap becomes retrying and is re-enqueued instead
// of failed. A build that is not queued or retrying is returned unchanged.
func (e *Engine) runBuild(ctx context.Context, buildID string, async bool) (*TemplateBuild, bool, error) {
	var job *buildJob
	var current *TemplateBuild
	err := e.transact(ctx, func(st *State) error {
		b := st.TemplateBuilds[buildID]
		if b == nil {
			return errNotFound("Build not found")
		}
		if !b.runnable() {
			current = clonePtr(b)
			return nil
		}
		v := st.TemplateVersions[b.TemplateVersionID]
		t := st.Templates[b.TemplateID]
		if v == nil || t == nil {
			return errNotFound("Template version not found")
		}
		now := e.now()
		b.Attempts++
		b.Status = BuildBuilding
		b.StartedAt = &now
		b.FinishedAt = nil
		b.UpdatedAt = now
		v.Status = VersionBuilding
		v.UpdatedAt = now
		job = &buildJob{build: clonePtr(b), version: clonePtr(v), template: clonePtr(t)}
		return nil
	})
	if err != nil || job == nil {
		return current, false, err
	}

	b := job.build
	var artifact []byte
	buildErr := e.build(ctx, job)
	if buildErr == nil {
		artifact, buildErr = e.artifact(ctx, job)
	}
	if buildErr == nil {
		if err := e.blobs.PutArtifact(ctx, b, artifact); err != nil {
			buildErr = err
		}
	}

	outcome := BuildSucceeded
	if buildErr != nil {
		switch {
		case b.Attempts >= e.settings.MaxBuildAttempts:
			outcome = BuildDeadLettered
		case async:
			outcome = BuildRetrying
		default:
			outcome = BuildFailed
		}
	}
	finished := e.now()
	log := buildLog(job, outcome, buildErr, finished)
	logErr := e.blobs.PutBuildLog(ctx, job.version, log)
	if logErr != nil {
		e.logger.Warn("writing build log", "build", b.ID, "error", logErr)
	}

	var out *TemplateBuild
	err = e.transact(ctx, func(st *State) error {
		sb := st.TemplateBuilds[b.ID]
		if sb == nil || sb.Status != BuildBuilding || sb.Attempts != b.Attempts {
			// Recovered or removed while the attempt ran.
			out = clonePtr(sb)
			return nil
		}
		v := st.TemplateVersions[sb.TemplateVersionID]
		sb.Status = outcome
		sb.UpdatedAt = finished
		if logErr == nil && v != nil {
			v.BuildLogKey = BuildLogKey(v)
		}
		if buildErr != nil {
			sb.LastError = buildErr.Error()
		} else {
			sb.LastError = ""
		}
		switch outcome {
		case BuildSucceeded:
			sb.FinishedAt = &finished
			sb.ArtifactKey = ArtifactKey(sb)
			if v != nil {
				v.Status = VersionReady
				v.UpdatedAt = finished
			}
			st.usage(finished, e.ids, sb.WorkspaceID, UsageTemplateBuild, 1)
			st.audit(finished, e.ids, sb.WorkspaceID, "", "build.succeeded", sb.ID, map[string]string{"attempts": fmt.Sprint(sb.Attempts)})
		case BuildRetrying:
			if v != nil {
				v.Status = VersionQueued
				v.UpdatedAt = finished
			}
		default:
			sb.FinishedAt = &finished
			if v != nil {
				v.Status = VersionFailed
				v.UpdatedAt = finished
			}
			st.audit(finished, e.ids, sb.WorkspaceID, "", "build."+string(outcome), sb.ID, map[string]string{"attempts": fmt.Sprint(sb.Attempts), "error": sb.LastError})
		}
		out = clonePtr(sb)
		return nil
	})
	if err != nil {
		return nil, true, err
	}
	e.logger.Info("build attempt finished", "build", b.ID, "status", outcome, "attempts", b.Attempts)
	if out != nil && out.Status == BuildRetrying && async {
		e.enqueueBuild(ctx, out.ID)
	}
	return out, true, nil
}

// build stands in for the external image builder. A manifest can ask it to
// fail, which is how operators rehearse the retry path.
func (e *Engine) build(_ context.Context, job *buildJob) error {
	if job.version.Manifest.SimulateFailure {
		return errors.New("Simulated build failure")
	}
	return nil
}

func (e *Engine) artifact(ctx context.Context, job *buildJob) ([]byte, error) {
	v := job.version
	a := BuildArtifact{
		BuildID:        job.build.ID,
		TemplateID:     job.template.ID,
		VersionID:      v.ID,
		Version:        v.Version,
		Image:          v.Manifest.Image,
		Features:       v.Manifest.Features,
		PersistedPaths: v.Manifest.PersistedPaths,
		BundleBytes:    v.BundleBytes,
		Attempts:       job.build.Attempts,
		BuiltAt:        e.now(),
	}
	if v.BundleUploadedAt != nil {
		data, err := e.blobs.GetBundle(ctx, v)
		switch {
		case err == nil:
			sum := blake3.Sum256(data)
			a.BundleDigest = "blake3:" + hex.EncodeToString(sum[:])
		case !errors.Is(err, ErrObjectNotFound):
			return nil, fmt.Errorf("reading bundle: %w", err)
		}
	}
	return json.MarshalIndent(a, "", "  ")
}

func buildLog(job *buildJob, status BuildStatus, buildErr error, finished time.Time) []byte {
	var sb strings.Builder
	line := func(k, v string) { fmt.Fprintf(&sb, "%s=%s\n", k, v) }
	b := job.build
	line("build_id", b.ID)
	line("template_id", job.template.ID)
	line("template_name", job.template.Name)
	line("template_version_id", job.version.ID)
	line("version", job.version.Version)
	line("image", job.version.Manifest.Image)
	line("bundle_present", fmt.Sprint(job.version.BundleUploadedAt != nil))
	line("status", string(status))
	line("attempts", fmt.Sprint(b.Attempts))
	if b.StartedAt != nil {
		line("started_at", b.StartedAt.Format(time.RFC3339))
	}
	line("finished_at", finished.Format(time.RFC3339))
	if buildErr != nil {
		line("last_error", buildErr.Error())
	}
	return []byte(sb.String())
}

func (st *State) runnableBuilds(workspaceID string) []string {
	var builds []*TemplateBuild
	for _, b := range st.TemplateBuilds {
		if b.runnable() && (workspaceID == "" || b.WorkspaceID == workspaceID) {
			builds = append(builds, b)
		}
	}
	sortBuilds(builds)
	ids := make([]string, len(builds))
	for i, b := range builds {
		ids[i] = b.ID
	}
	return ids
}

// processAll runs every queued or retrying build in scope on the
// synchronous path. An empty workspaceID means every workspace.
func (e *Engine) processAll(ctx context.Context, workspaceID string) (*ProcessResult, error) {
	var ids []string
	if err := e.view(ctx, func(st *State) error {
		ids = st.runnableBuilds(workspaceID)
		return nil
	}); err != nil {
		return nil, err
	}
	res := &ProcessResult{Builds: []*TemplateBuild{}}
	for _, id := range ids {
		b, ran, err := e.runBuild(ctx, id, false)
		if err != nil {
			if KindOf(err) == KindNotFound {
				continue
			}
			return res, err
		}
		if ran && b != nil {
			res.Processed++
			res.Builds = append(res.Builds, b)
		}
	}
	return res, nil
}

// ProcessBuilds runs the caller's workspace's pending builds synchronously.
func (e *Engine) ProcessBuilds(ctx context.Context, token string) (*ProcessResult, error) {
	var wsID string
	if err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		wsID = p.Workspace.ID
		return nil
	}); err != nil {
		return nil, err
	}
	return e.processAll(ctx, wsID)
}

// ProcessBuildJob is the dispatcher entry point for one build.
func (e *Engine) ProcessBuildJob(ctx context.Context, buildID string) (*TemplateBuild, error) {
	b, _, err := e.runBuild(ctx, buildID, true)
	return b, err
}

func (e *Engine) requeue(st *State, b *TemplateBuild) {
	now := e.now()
	if b.Status == BuildDeadLettered {
		b.Attempts = 0
	}
	b.Status = BuildRetrying
	b.FinishedAt = nil
	b.UpdatedAt = now
	if v := st.TemplateVersions[b.TemplateVersionID]; v != nil {
		v.Status = VersionQueued
		v.UpdatedAt = now
	}
}

// RetryBuild moves a failed or dead-lettered build back to retrying and
// re-enqueues it. Retrying a dead-lettered build resets its attempts.
func (e *Engine) RetryBuild(ctx context.Context, token, buildID string) (*TemplateBuild, error) {
	var out *TemplateBuild
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		b, err := buildIn(st, p.Workspace.ID, buildID)
		if err != nil {
			return err
		}
		if b.Status != BuildFailed && b.Status != BuildDeadLettered {
			return errConflict("Build is not retryable")
		}
		e.requeue(st, b)
		p.audit(e, st, "build.retried", b.ID, nil)
		out = clonePtr(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.enqueueBuild(ctx, out.ID)
	return out, nil
}

// RetryDeadLetteredBuilds requeues every dead-lettered build in the workspace.
func (e *Engine) RetryDeadLetteredBuilds(ctx context.Context, token string) (int, error) {
	var ids []string
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		var builds []*TemplateBuild
		for _, b := range st.TemplateBuilds {
			if b.WorkspaceID == p.Workspace.ID && b.Status == BuildDeadLettered {
				builds = append(builds, b)
			}
		}
		sortBuilds(builds)
		for _, b := range builds {
			e.requeue(st, b)
			ids = append(ids, b.ID)
		}
		if len(ids) > 0 {
			p.audit(e, st, "build.dead_letters_retried", p.Workspace.ID, map[string]string{"count": fmt.Sprint(len(ids))})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.enqueueBuild(ctx, id)
	}
	return len(ids), nil
}

// ListBuilds returns the workspace's builds, optionally filtered by status.
func (e *Engine) ListBuilds(ctx context.Context, token string, status BuildStatus) ([]*TemplateBuild, error) {
	var out []*TemplateBuild
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		for _, b := range st.TemplateBuilds {
			if b.WorkspaceID == p.Workspace.ID && (status == "" || b.Status == status) {
				out = append(out, clonePtr(b))
			}
		}
		sortBuilds(out)
		return nil
	})
	return out, err
}

// GetBuild returns one build.
func (e *Engine) GetBuild(ctx context.Context, token, buildID string) (*TemplateBuild, error) {
	var out *TemplateBuild
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		b, err := buildIn(st, p.Workspace.ID, buildID)
		if err != nil {
			return err
		}
		out = clonePtr(b)
		return nil
	})
	return out, err
}

// GetBuildLog returns the key=value log of the build's latest terminal outcome.
func (e *Engine) GetBuildLog(ctx context.Context, token, buildID string) ([]byte, error) {
	var v *TemplateVersion
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		b, err := buildIn(st, p.Workspace.ID, buildID)
		if err != nil {
			return err
		}
		v = clonePtr(st.TemplateVersions[b.TemplateVersionID])
		if v == nil || v.BuildLogKey == "" {
			return errNotFound("Build log not found")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, err := e.blobs.GetBuildLog(ctx, v)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, errNotFound("Build log not found")
	}
	return data, err
}

// GetBuildArtifact returns the artifact record of a succeeded build.
func (e *Engine) GetBuildArtifact(ctx context.Context, token, buildID string) ([]byte, error) {
	var b *TemplateBuild
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		found, err := buildIn(st, p.Workspace.ID, buildID)
		if err != nil {
			return err
		}
		if found.ArtifactKey == "" {
			return errNotFound("Build artifact not found")
		}
		b = clonePtr(found)
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, err := e.blobs.GetArtifact(ctx, b)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, errNotFound("Build artifact not found")
	}
	return data, err
}
