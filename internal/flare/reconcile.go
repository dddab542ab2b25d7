package flare

import (
	"context"
	"fmt"
	"time"
)

// ReconcileReport counts what each phase of a sweep did.
type ReconcileReport struct {
	SleptSessions   int `json:"sleptSessions"`
	RecoveredBuilds int `json:"recoveredBuilds"`
	ProcessedBuilds int `json:"processedBuilds"`
	PurgedSessions  int `json:"purgedSessions"`
	PurgedSnapshots int `json:"purgedSnapshots"`
}

// Changed reports whether the sweep did anything.
func (r *ReconcileReport) Changed() bool {
	return r.SleptSessions+r.RecoveredBuilds+r.ProcessedBuilds+r.PurgedSessions+r.PurgedSnapshots > 0
}

// Reconcile sweeps the caller's workspace. Admin or above.
func (e *Engine) Reconcile(ctx context.Context, token string) (*ReconcileReport, error) {
	var wsID, userID string
	if err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		wsID, userID = p.Workspace.ID, p.User.ID
		return nil
	}); err != nil {
		return nil, err
	}
	return e.reconcile(ctx, wsID, userID)
}

// ReconcileAll sweeps every workspace. It is the scheduler and worker entry point.
func (e *Engine) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	return e.reconcile(ctx, "", "")
}

func inScope(workspaceID, scope string) bool {
	return scope == "" || workspaceID == scope
}

func (e *Engine) reconcile(ctx context.Context, scope, userID string) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	var slept []string

	// Sleep running sessions and recover stuck builds.
	err := e.transact(ctx, func(st *State) error {
		now := e.now()
		for _, s := range st.Sessions {
			if s.State != SessionRunning || !inScope(s.WorkspaceID, scope) {
				continue
			}
			if err := e.transition(st, s, SessionSleeping); err != nil {
				return err
			}
			slept = append(slept, s.ID)
		}
		cutoff := now.Add(-e.settings.StuckBuildTTL)
		for _, b := range st.TemplateBuilds {
			if b.Status != BuildBuilding || !inScope(b.WorkspaceID, scope) {
				continue
			}
			last := b.UpdatedAt
			if b.StartedAt != nil && b.StartedAt.After(last) {
				last = *b.StartedAt
			}
			if !last.Before(cutoff) {
				continue
			}
			v := st.TemplateVersions[b.TemplateVersionID]
			if v != nil {
				v.Status = VersionQueued
				v.UpdatedAt = now
			}
			b.LastError = fmt.Sprintf("Build stuck for more than %s", e.settings.StuckBuildTTL)
			b.UpdatedAt = now
			if b.Attempts >= e.settings.MaxBuildAttempts {
				b.Status = BuildDeadLettered
				b.FinishedAt = &now
				if v != nil {
					v.Status = VersionFailed
				}
			} else {
				b.Status = BuildRetrying
			}
			st.audit(now, e.ids, b.WorkspaceID, userID, "build.recovered", b.ID, map[string]string{"status": string(b.Status)})
			report.RecoveredBuilds++
		}
		report.SleptSessions = len(slept)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range slept {
		if _, err := e.host.Stop(ctx, id); err != nil {
			e.logger.Warn("reconcile stop failed", "session", id, "error", err)
		}
	}

	// Recovered builds are picked up here along with everything else pending.
	processed, err := e.processAll(ctx, scope)
	if err != nil {
		return nil, err
	}
	report.ProcessedBuilds = processed.Processed

	var keys, destroyed []string
	err = e.transact(ctx, func(st *State) error {
		now := e.now()
		purged := map[string]bool{}
		for id, s := range st.Sessions {
			if !inScope(s.WorkspaceID, scope) {
				continue
			}
			if s.State == SessionDeleted || sleepExpired(s, now) {
				purged[id] = true
				if s.State == SessionSleeping {
					destroyed = append(destroyed, id)
				}
			}
		}
		for id := range purged {
			delete(st.Sessions, id)
		}
		for id, ev := range st.SessionEvents {
			if purged[ev.SessionID] {
				delete(st.SessionEvents, id)
			}
		}
		for tok, t := range st.AuthTokens {
			if t.SessionID != "" && purged[t.SessionID] {
				delete(st.AuthTokens, tok)
			}
		}
		for id, snap := range st.Snapshots {
			if !inScope(snap.WorkspaceID, scope) {
				continue
			}
			if purged[snap.SessionID] || st.Sessions[snap.SessionID] == nil {
				if snap.UploadedAt != nil {
					keys = append(keys, SnapshotKey(snap))
				}
				delete(st.Snapshots, id)
				report.PurgedSnapshots++
			}
		}
		for id, g := range st.UploadGrants {
			if g.SessionID != "" && st.Sessions[g.SessionID] == nil {
				delete(st.UploadGrants, id)
			}
		}
		report.PurgedSessions = len(purged)
		if scope != "" && report.Changed() {
			st.audit(now, e.ids, scope, userID, "reconcile.completed", scope, map[string]string{
				"slept":     fmt.Sprint(report.SleptSessions),
				"recovered": fmt.Sprint(report.RecoveredBuilds),
				"processed": fmt.Sprint(report.ProcessedBuilds),
				"purged":    fmt.Sprint(report.PurgedSessions),
				"snapshots": fmt.Sprint(report.PurgedSnapshots),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.blobs.deleteKeys(ctx, e.logger, keys)
	for _, id := range destroyed {
		if err := e.host.Destroy(ctx, id); err != nil {
			e.logger.Warn("reconcile destroy failed", "session", id, "error", err)
		}
	}
	if report.Changed() {
		e.logger.Info("reconcile finished", "scope", scope,
			"slept", report.SleptSessions, "recovered", report.RecoveredBuilds,
			"processed", report.ProcessedBuilds, "purged", report.PurgedSessions,
			"snapshots", report.PurgedSnapshots)
	}
	return report, nil
}

// sleepExpired reports whether a sleeping session has outlived its own TTL.
func sleepExpired(s *Session, now time.Time) bool {
	if s.State != SessionSleeping || s.SleepTTLSeconds == nil || s.LastStoppedAt == nil {
		return false
	}
	deadline := s.LastStoppedAt.Add(time.Duration(*s.SleepTTLSeconds) * time.Second)
	return !now.Before(deadline)
}
