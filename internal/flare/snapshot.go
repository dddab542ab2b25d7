package flare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Content is a blob read back together with its recorded content type.
type Content = Bundle

func snapshotIn(st *State, workspaceID, sessionID, snapshotID string) (*Snapshot, error) {
	snap := st.Snapshots[snapshotID]
	if snap == nil || snap.WorkspaceID != workspaceID || snap.SessionID != sessionID {
		return nil, errNotFound("Snapshot not found")
	}
	return snap, nil
}

// snapshotSession resolves a live session whose template version allows snapshots.
func snapshotSession(st *State, workspaceID, sessionID string) (*Session, error) {
	s, err := sessionIn(st, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	if s.State == SessionDeleted {
		return nil, errConflict("Session is deleted")
	}
	v := st.TemplateVersions[s.TemplateVersionID]
	if v == nil || !v.Manifest.HasFeature(FeatureSnapshots) {
		return nil, errConflict("Template does not support snapshots")
	}
	return s, nil
}

// CreateSnapshot records an empty snapshot. Content arrives by upload or grant.
func (e *Engine) CreateSnapshot(ctx context.Context, token, sessionID, label string) (*Snapshot, error) {
	var out *Snapshot
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		s, err := snapshotSession(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		out = clonePtr(e.addSnapshot(st, s, p.User.ID, label))
		return nil
	})
	return out, err
}

func (e *Engine) addSnapshot(st *State, s *Session, userID, label string) *Snapshot {
	label = strings.TrimSpace(label)
	if label == "" {
		n := 1
		for _, snap := range st.Snapshots {
			if snap.SessionID == s.ID {
				n++
			}
		}
		label = fmt.Sprintf("snapshot-%d", n)
	}
	snap := &Snapshot{
		ID:          e.ids.New("snp"),
		WorkspaceID: s.WorkspaceID,
		SessionID:   s.ID,
		Label:       label,
		CreatedAt:   e.now(),
	}
	snap.ObjectKey = SnapshotKey(snap)
	st.Snapshots[snap.ID] = snap
	st.audit(snap.CreatedAt, e.ids, s.WorkspaceID, userID, "snapshot.created", snap.ID, map[string]string{"session": s.ID})
	return snap
}

// SaveRuntimeSnapshot stores the files a runtime tunnel ended with as a new
// snapshot of the session. access must come from AuthorizeRuntime.
func (e *Engine) SaveRuntimeSnapshot(ctx context.Context, access *RuntimeAccess, label string, data []byte, contentType string) (*Snapshot, error) {
	if access == nil || access.Session == nil {
		return nil, errUnauthorized("Runtime access required")
	}
	if err := e.checkPayload(data, e.settings.MaxSnapshotBytes, "Snapshot"); err != nil {
		return nil, err
	}
	var snapshotID string
	err := e.transact(ctx, func(st *State) error {
		s, err := snapshotSession(st, access.Session.WorkspaceID, access.Session.ID)
		if err != nil {
			return err
		}
		snapshotID = e.addSnapshot(st, s, access.UserID, label).ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.storeSnapshot(ctx, access.UserID, snapshotID, data, contentType)
}

// ListSnapshots returns a session's snapshots, oldest first.
func (e *Engine) ListSnapshots(ctx context.Context, token, sessionID string) ([]*Snapshot, error) {
	var out []*Snapshot
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		if _, err := sessionIn(st, p.Workspace.ID, sessionID); err != nil {
			return err
		}
		for _, snap := range st.Snapshots {
			if snap.SessionID == sessionID {
				out = append(out, clonePtr(snap))
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

// UploadSnapshotContent stores a snapshot's payload through the authenticated path.
func (e *Engine) UploadSnapshotContent(ctx context.Context, token, sessionID, snapshotID string, data []byte, contentType string) (*Snapshot, error) {
	var userID string
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		if _, err := snapshotSession(st, p.Workspace.ID, sessionID); err != nil {
			return err
		}
		if _, err := snapshotIn(st, p.Workspace.ID, sessionID, snapshotID); err != nil {
			return err
		}
		userID = p.User.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.storeSnapshot(ctx, userID, snapshotID, data, contentType)
}

func (e *Engine) storeSnapshot(ctx context.Context, userID, snapshotID string, data []byte, contentType string) (*Snapshot, error) {
	if err := e.checkPayload(data, e.settings.MaxSnapshotBytes, "Snapshot"); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var target *Snapshot
	if err := e.view(ctx, func(st *State) error {
		target = clonePtr(st.Snapshots[snapshotID])
		if target == nil {
			return errNotFound("Snapshot not found")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.blobs.PutSnapshot(ctx, target, data, contentType); err != nil {
		return nil, err
	}
	var out *Snapshot
	err := e.transact(ctx, func(st *State) error {
		snap := st.Snapshots[snapshotID]
		if snap == nil {
			return errNotFound("Snapshot not found")
		}
		now := e.now()
		snap.Bytes = int64(len(data))
		snap.ContentType = contentType
		snap.UploadedAt = &now
		st.usage(now, e.ids, snap.WorkspaceID, UsageSnapshotBytes, int64(len(data)))
		st.audit(now, e.ids, snap.WorkspaceID, userID, "snapshot.uploaded", snap.ID, nil)
		out = clonePtr(snap)
		return nil
	})
	if KindOf(err) == KindNotFound {
		// Deleted while the blob was being written; nothing references it now.
		if derr := e.blobs.DeleteSnapshot(ctx, target); derr != nil {
			e.logger.Warn("orphaned snapshot blob cleanup failed", "snapshot", snapshotID, "error", derr)
		}
	}
	return out, err
}

// GetSnapshotContent reads a snapshot's payload back.
func (e *Engine) GetSnapshotContent(ctx context.Context, token, sessionID, snapshotID string) (*Content, error) {
	var snap *Snapshot
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		found, err := snapshotIn(st, p.Workspace.ID, sessionID, snapshotID)
		if err != nil {
			return err
		}
		if found.UploadedAt == nil {
			return errNotFound("Snapshot content not uploaded")
		}
		snap = clonePtr(found)
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, err := e.blobs.GetSnapshot(ctx, snap)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, errNotFound("Snapshot content not found")
	}
	if err != nil {
		return nil, err
	}
	return &Content{Data: data, ContentType: snap.ContentType}, nil
}

// DeleteSnapshot removes the record, then its blob.
func (e *Engine) DeleteSnapshot(ctx context.Context, token, sessionID, snapshotID string) error {
	var snap *Snapshot
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		found, err := snapshotIn(st, p.Workspace.ID, sessionID, snapshotID)
		if err != nil {
			return err
		}
		snap = clonePtr(found)
		delete(st.Snapshots, found.ID)
		for id, g := range st.UploadGrants {
			if g.SnapshotID == found.ID {
				delete(st.UploadGrants, id)
			}
		}
		if s := st.Sessions[found.SessionID]; s != nil && s.RestoredSnapshotID == found.ID {
			s.RestoredSnapshotID = ""
		}
		p.audit(e, st, "snapshot.deleted", found.ID, nil)
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.blobs.DeleteSnapshot(ctx, snap); err != nil {
		e.logger.Warn("snapshot blob cleanup failed", "snapshot", snap.ID, "error", err)
	}
	return nil
}

// RestoreSnapshot marks an uploaded snapshot as the session's restore source.
// The runtime hydrates from it the next time a tunnel is authorized.
func (e *Engine) RestoreSnapshot(ctx context.Context, token, sessionID, snapshotID string) (*Session, error) {
	var out *Session
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		s, err := snapshotSession(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		snap, err := snapshotIn(st, p.Workspace.ID, sessionID, snapshotID)
		if err != nil {
			return err
		}
		if snap.UploadedAt == nil {
			return errConflict("Snapshot has no content")
		}
		s.RestoredSnapshotID = snap.ID
		s.UpdatedAt = e.now()
		p.audit(e, st, "snapshot.restored", snap.ID, map[string]string{"session": s.ID})
		out = clonePtr(s)
		return nil
	})
	return out, err
}
