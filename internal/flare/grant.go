package flare

import (
	"context"
	"strings"
	"time"
)

// GrantResult is the outcome of consuming an upload grant.
type GrantResult struct {
	Grant           *UploadGrant     `json:"grant"`
	TemplateVersion *TemplateVersion `json:"templateVersion,omitempty"`
	Snapshot        *Snapshot        `json:"snapshot,omitempty"`
}

// pruneGrants drops expired and used grants.
func (st *State) pruneGrants(now time.Time) {
	for id, g := range st.UploadGrants {
		if g.UsedAt != nil || !now.Before(g.ExpiresAt) {
			delete(st.UploadGrants, id)
		}
	}
}

func (e *Engine) newGrant(st *State, p *principal, kind GrantKind, contentType string, expectedBytes *int64, limit int64) (*UploadGrant, error) {
	if expectedBytes != nil {
		if *expectedBytes <= 0 {
			return nil, errValidation("expectedBytes must be positive")
		}
		if *expectedBytes > limit {
			return nil, errTooLarge("Upload exceeds %d bytes", limit)
		}
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	now := e.now()
	st.pruneGrants(now)
	g := &UploadGrant{
		ID:          e.ids.New("upg"),
		WorkspaceID: p.Workspace.ID,
		UserID:      p.User.ID,
		Kind:        kind,
		ContentType: contentType,
		ExpiresAt:   now.Add(e.settings.UploadGrantTTL),
		CreatedAt:   now,
	}
	if expectedBytes != nil {
		n := *expectedBytes
		g.ExpectedBytes = &n
	}
	return g, nil
}

// CreateBundleUploadGrant authorizes one future bundle PUT for a version.
func (e *Engine) CreateBundleUploadGrant(ctx context.Context, token, templateID, versionID, contentType string, expectedBytes *int64) (*UploadGrant, error) {
	var out *UploadGrant
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		v, err := versionIn(st, p.Workspace.ID, templateID, versionID)
		if err != nil {
			return err
		}
		g, err := e.newGrant(st, p, GrantTemplateBundle, contentType, expectedBytes, e.settings.MaxBundleBytes)
		if err != nil {
			return err
		}
		g.TemplateID = v.TemplateID
		g.TemplateVersionID = v.ID
		st.UploadGrants[g.ID] = g
		out = clonePtr(g)
		return nil
	})
	return out, err
}

// CreateSnapshotUploadGrant authorizes one future snapshot PUT.
func (e *Engine) CreateSnapshotUploadGrant(ctx context.Context, token, sessionID, snapshotID, contentType string, expectedBytes *int64) (*UploadGrant, error) {
	var out *UploadGrant
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		if _, err := snapshotSession(st, p.Workspace.ID, sessionID); err != nil {
			return err
		}
		snap, err := snapshotIn(st, p.Workspace.ID, sessionID, snapshotID)
		if err != nil {
			return err
		}
		g, err := e.newGrant(st, p, GrantSnapshot, contentType, expectedBytes, e.settings.MaxSnapshotBytes)
		if err != nil {
			return err
		}
		g.SessionID = snap.SessionID
		g.SnapshotID = snap.ID
		st.UploadGrants[g.ID] = g
		out = clonePtr(g)
		return nil
	})
	return out, err
}

// ConsumeUploadGrant performs the single upload a grant authorizes. The
// grant is the only credential; a second consumption fails as not found.
// The grant is claimed before the blob is written and released again if the
// write fails, so two concurrent consumers cannot both store content.
func (e *Engine) ConsumeUploadGrant(ctx context.Context, grantID string, data []byte, contentType string) (*GrantResult, error) {
	var g *UploadGrant
	err := e.transact(ctx, func(st *State) error {
		now := e.now()
		st.pruneGrants(now)
		found := st.UploadGrants[grantID]
		if found == nil {
			return errNotFound("Upload grant not found")
		}
		if len(data) == 0 {
			return errValidation("Upload is empty")
		}
		if found.ExpectedBytes != nil && int64(len(data)) != *found.ExpectedBytes {
			return errValidation("Upload size %d does not match expected %d bytes", len(data), *found.ExpectedBytes)
		}
		limit := e.settings.MaxBundleBytes
		if found.Kind == GrantSnapshot {
			limit = e.settings.MaxSnapshotBytes
		}
		if int64(len(data)) > limit {
			return errTooLarge("Upload exceeds %d bytes", limit)
		}
		found.UsedAt = &now
		g = clonePtr(found)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = g.ContentType
	}
	res := &GrantResult{Grant: g}
	switch g.Kind {
	case GrantTemplateBundle:
		res.TemplateVersion, err = e.storeBundle(ctx, g.UserID, g.TemplateVersionID, data, contentType)
	case GrantSnapshot:
		res.Snapshot, err = e.storeSnapshot(ctx, g.UserID, g.SnapshotID, data, contentType)
	default:
		err = errValidation("Unknown grant kind %q", g.Kind)
	}
	if err != nil {
		e.releaseGrant(ctx, g)
		return nil, err
	}
	return res, nil
}

// releaseGrant undoes a claim whose upload failed.
func (e *Engine) releaseGrant(ctx context.Context, g *UploadGrant) {
	err := e.store.Transact(ctx, func(st *State) error {
		if cur := st.UploadGrants[g.ID]; cur != nil && cur.UsedAt != nil && cur.UsedAt.Equal(*g.UsedAt) {
			cur.UsedAt = nil
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("releasing upload grant", "grant", g.ID, "error", err)
	}
}
