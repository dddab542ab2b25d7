package flare

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// TemplateDetail is a template with its versions, builds and releases.
type TemplateDetail struct {
	Template *Template          `json:"template"`
	Versions []*TemplateVersion `json:"versions"`
	Builds   []*TemplateBuild   `json:"builds"`
	Releases []*BindingRelease  `json:"releases"`
}

// VersionResult is returned when a version is added: the version and its first build.
type VersionResult struct {
	Version *TemplateVersion `json:"version"`
	Build   *TemplateBuild   `json:"build"`
}

// Bundle is a template version's uploaded content.
type Bundle struct {
	Data        []byte
	ContentType string
}

func (e *Engine) validateManifest(m *Manifest) error {
	m.Image = strings.TrimSpace(m.Image)
	if m.Image == "" {
		return errValidation("Manifest image is required")
	}
	seen := map[Feature]bool{}
	for _, f := range m.Features {
		switch f {
		case FeatureSSH, FeatureBrowser, FeatureSnapshots:
		default:
			return errValidation("Unsupported manifest feature %q", f)
		}
		if seen[f] {
			return errValidation("Duplicate manifest feature %q", f)
		}
		seen[f] = true
	}
	if len(m.PersistedPaths) > e.settings.MaxPersistedPaths {
		return errValidation("At most %d persisted paths are allowed", e.settings.MaxPersistedPaths)
	}
	paths := map[string]bool{}
	for i, p := range m.PersistedPaths {
		if !path.IsAbs(p) {
			return errValidation("Persisted path %q must be absolute", p)
		}
		p = path.Clean(p)
		if p == "/" {
			return errValidation("Persisted path cannot be the root directory")
		}
		if paths[p] {
			return errValidation("Duplicate persisted path %q", p)
		}
		paths[p] = true
		m.PersistedPaths[i] = p
	}
	if m.SleepTTLSeconds != nil && *m.SleepTTLSeconds <= 0 {
		return errValidation("sleepTtlSeconds must be positive")
	}
	return nil
}

func templateIn(st *State, workspaceID, templateID string) (*Template, error) {
	t := st.Templates[templateID]
	if t == nil || t.WorkspaceID != workspaceID {
		return nil, errNotFound("Template not found")
	}
	return t, nil
}

func versionIn(st *State, workspaceID, templateID, versionID string) (*TemplateVersion, error) {
	v := st.TemplateVersions[versionID]
	if v == nil || v.WorkspaceID != workspaceID || v.TemplateID != templateID {
		return nil, errNotFound("Template version not found")
	}
	return v, nil
}

func (st *State) activeTemplates(workspaceID string) int {
	n := 0
	for _, t := range st.Templates {
		if t.WorkspaceID == workspaceID && t.ArchivedAt == nil {
			n++
		}
	}
	return n
}

// CreateTemplate adds a template subject to the plan's template quota.
func (e *Engine) CreateTemplate(ctx context.Context, token, name, description string) (*Template, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 64 {
		return nil, errValidation("Template name must be 1-64 characters")
	}
	var out *Template
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		if st.activeTemplates(p.Workspace.ID) >= e.settings.limits(p.Workspace.Plan).MaxTemplates {
			return errForbidden("Template limit reached for plan %s", p.Workspace.Plan)
		}
		for _, t := range st.Templates {
			if t.WorkspaceID == p.Workspace.ID && strings.EqualFold(t.Name, name) {
				return errConflict("Template name already in use")
			}
		}
		now := e.now()
		t := &Template{
			ID:          e.ids.New("tpl"),
			WorkspaceID: p.Workspace.ID,
			Name:        name,
			Description: strings.TrimSpace(description),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		st.Templates[t.ID] = t
		p.audit(e, st, "template.created", t.ID, map[string]string{"name": name})
		out = clonePtr(t)
		return nil
	})
	return out, err
}

// ListTemplates returns the workspace's templates, oldest first.
func (e *Engine) ListTemplates(ctx context.Context, token string) ([]*Template, error) {
	var out []*Template
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		for _, t := range st.Templates {
			if t.WorkspaceID == p.Workspace.ID {
				out = append(out, clonePtr(t))
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

// GetTemplate returns a template with its versions, builds and releases.
func (e *Engine) GetTemplate(ctx context.Context, token, templateID string) (*TemplateDetail, error) {
	var out *TemplateDetail
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		out = &TemplateDetail{Template: clonePtr(t)}
		for _, v := range st.TemplateVersions {
			if v.TemplateID == t.ID {
				out.Versions = append(out.Versions, clonePtr(v))
			}
		}
		sort.Slice(out.Versions, func(i, j int) bool { return versionLess(out.Versions[i], out.Versions[j]) })
		for _, b := range st.TemplateBuilds {
			if b.TemplateID == t.ID {
				out.Builds = append(out.Builds, clonePtr(b))
			}
		}
		sortBuilds(out.Builds)
		out.Releases = st.templateReleases(t.ID)
		return nil
	})
	return out, err
}

func versionLess(a, b *TemplateVersion) bool {
	va, errA := semver.NewVersion(a.Version)
	vb, errB := semver.NewVersion(b.Version)
	if errA == nil && errB == nil && !va.Equal(vb) {
		return va.LessThan(vb)
	}
	return a.ID < b.ID
}

// AddTemplateVersion records a new version and queues its first build.
func (e *Engine) AddTemplateVersion(ctx context.Context, token, templateID, version string, manifest Manifest) (*VersionResult, error) {
	parsed, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return nil, errValidation("Version %q is not a semantic version", version)
	}
	canonical := parsed.String()
	manifest.Features = append([]Feature(nil), manifest.Features...)
	manifest.PersistedPaths = append([]string(nil), manifest.PersistedPaths...)
	if err := e.validateManifest(&manifest); err != nil {
		return nil, err
	}
	var out *VersionResult
	err = e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		if t.ArchivedAt != nil {
			return errConflict("Template is archived")
		}
		for _, v := range st.TemplateVersions {
			if v.TemplateID == t.ID && v.Version == canonical {
				return errConflict("Version %s already exists", canonical)
			}
		}
		now := e.now()
		v := &TemplateVersion{
			ID:          e.ids.New("tpv"),
			WorkspaceID: t.WorkspaceID,
			TemplateID:  t.ID,
			Version:     canonical,
			Manifest:    manifest,
			Status:      VersionQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		b := &TemplateBuild{
			ID:                e.ids.New("bld"),
			WorkspaceID:       t.WorkspaceID,
			TemplateID:        t.ID,
			TemplateVersionID: v.ID,
			Status:            BuildQueued,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		st.TemplateVersions[v.ID] = v
		st.TemplateBuilds[b.ID] = b
		t.UpdatedAt = now
		p.audit(e, st, "template.version_added", v.ID, map[string]string{"template": t.ID, "version": canonical})
		out = &VersionResult{Version: clonePtr(v), Build: clonePtr(b)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.enqueueBuild(ctx, out.Build.ID)
	return out, nil
}

// UploadTemplateBundle stores a version's bundle through the authenticated path.
func (e *Engine) UploadTemplateBundle(ctx context.Context, token, templateID, versionID string, data []byte, contentType string) (*TemplateVersion, error) {
	var userID string
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		if _, err := versionIn(st, p.Workspace.ID, templateID, versionID); err != nil {
			return err
		}
		userID = p.User.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.storeBundle(ctx, userID, versionID, data, contentType)
}

func (e *Engine) checkPayload(data []byte, limit int64, what string) error {
	if len(data) == 0 {
		return errValidation("%s upload is empty", what)
	}
	if int64(len(data)) > limit {
		return errTooLarge("%s exceeds %d bytes", what, limit)
	}
	return nil
}

// storeBundle writes the blob first and then records it.
func (e *Engine) storeBundle(ctx context.Context, userID, versionID string, data []byte, contentType string) (*TemplateVersion, error) {
	if err := e.checkPayload(data, e.settings.MaxBundleBytes, "Template bundle"); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var target *TemplateVersion
	if err := e.view(ctx, func(st *State) error {
		target = clonePtr(st.TemplateVersions[versionID])
		if target == nil {
			return errNotFound("Template version not found")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.blobs.PutBundle(ctx, target, data, contentType); err != nil {
		return nil, err
	}
	var out *TemplateVersion
	err := e.transact(ctx, func(st *State) error {
		v := st.TemplateVersions[versionID]
		if v == nil {
			return errNotFound("Template version not found")
		}
		now := e.now()
		v.BundleKey = BundleKey(v)
		v.BundleBytes = int64(len(data))
		v.BundleContentType = contentType
		v.BundleUploadedAt = &now
		v.UpdatedAt = now
		st.usage(now, e.ids, v.WorkspaceID, UsageBundleBytes, int64(len(data)))
		st.audit(now, e.ids, v.WorkspaceID, userID, "template.bundle_uploaded", v.ID, nil)
		out = clonePtr(v)
		return nil
	})
	if KindOf(err) == KindNotFound {
		if derr := e.blobs.DeleteBundle(ctx, target); derr != nil {
			e.logger.Warn("orphaned bundle blob cleanup failed", "version", versionID, "error", derr)
		}
	}
	return out, err
}

// GetTemplateBundle reads a version's bundle back.
func (e *Engine) GetTemplateBundle(ctx context.Context, token, templateID, versionID string) (*Bundle, error) {
	var v *TemplateVersion
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		found, err := versionIn(st, p.Workspace.ID, templateID, versionID)
		if err != nil {
			return err
		}
		if found.BundleUploadedAt == nil {
			return errNotFound("Template bundle not uploaded")
		}
		v = clonePtr(found)
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, err := e.blobs.GetBundle(ctx, v)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, errNotFound("Template bundle not found")
	}
	if err != nil {
		return nil, err
	}
	return &Bundle{Data: data, ContentType: v.BundleContentType}, nil
}

func (st *State) templateReleases(templateID string) []*BindingRelease {
	var out []*BindingRelease
	for _, r := range st.BindingReleases {
		if r.TemplateID == templateID {
			out = append(out, clonePtr(r))
		}
	}
	return sortedBySeq(out, func(r *BindingRelease) int64 { return r.Seq })
}

func (e *Engine) release(st *State, p *principal, t *Template, v *TemplateVersion, mode ReleaseMode, source string) *BindingRelease {
	now := e.now()
	r := &BindingRelease{
		ID:                e.ids.New("rel"),
		WorkspaceID:       t.WorkspaceID,
		TemplateID:        t.ID,
		TemplateVersionID: v.ID,
		Mode:              mode,
		SourceReleaseID:   source,
		CreatedBy:         p.User.ID,
		Seq:               st.nextSeq(),
		CreatedAt:         now,
	}
	st.BindingReleases[r.ID] = r
	t.ActiveVersionID = v.ID
	t.UpdatedAt = now
	p.audit(e, st, "template."+string(mode), r.ID, map[string]string{"template": t.ID, "version": v.Version})
	return clonePtr(r)
}

// PromoteTemplateVersion makes a version live. Its build must have succeeded.
func (e *Engine) PromoteTemplateVersion(ctx context.Context, token, templateID, versionID string) (*BindingRelease, error) {
	var out *BindingRelease
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		if t.ArchivedAt != nil {
			return errConflict("Template is archived")
		}
		v, err := versionIn(st, p.Workspace.ID, templateID, versionID)
		if err != nil {
			return err
		}
		if b := st.buildForVersion(v.ID); b == nil || b.Status != BuildSucceeded || v.Status != VersionReady {
			return errConflict("Template version build has not succeeded")
		}
		out = e.release(st, p, t, v, ReleasePromote, "")
		return nil
	})
	return out, err
}

// RollbackTemplate makes a previous release's version live again. With an
// empty releaseID it targets the version that was live before the current one.
func (e *Engine) RollbackTemplate(ctx context.Context, token, templateID, releaseID string) (*BindingRelease, error) {
	var out *BindingRelease
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		if t.ArchivedAt != nil {
			return errConflict("Template is archived")
		}
		releases := st.templateReleases(t.ID)
		var target *BindingRelease
		if releaseID != "" {
			for _, r := range releases {
				if r.ID == releaseID {
					target = r
				}
			}
			if target == nil {
				return errNotFound("Release not found")
			}
		} else {
			for i := len(releases) - 1; i >= 0; i-- {
				if releases[i].TemplateVersionID != t.ActiveVersionID {
					target = releases[i]
					break
				}
			}
			if target == nil {
				return errConflict("No previous release to roll back to")
			}
		}
		if target.TemplateVersionID == t.ActiveVersionID {
			return errConflict("Release is already live")
		}
		v := st.TemplateVersions[target.TemplateVersionID]
		if v == nil || v.Status != VersionReady {
			return errConflict("Release version is no longer available")
		}
		out = e.release(st, p, t, v, ReleaseRollback, target.ID)
		return nil
	})
	return out, err
}

// ListReleases returns a template's releases in the order they happened.
func (e *Engine) ListReleases(ctx context.Context, token, templateID string) ([]*BindingRelease, error) {
	var out []*BindingRelease
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		out = st.templateReleases(t.ID)
		return nil
	})
	return out, err
}

// ArchiveTemplate stops a template from gaining new sessions.
func (e *Engine) ArchiveTemplate(ctx context.Context, token, templateID string) (*Template, error) {
	var out *Template
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		if t.ArchivedAt != nil {
			return errConflict("Template is already archived")
		}
		now := e.now()
		t.ArchivedAt = &now
		t.UpdatedAt = now
		p.audit(e, st, "template.archived", t.ID, nil)
		out = clonePtr(t)
		return nil
	})
	return out, err
}

// RestoreTemplate reverses ArchiveTemplate, subject to the template quota.
func (e *Engine) RestoreTemplate(ctx context.Context, token, templateID string) (*Template, error) {
	var out *Template
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		if t.ArchivedAt == nil {
			return errConflict("Template is not archived")
		}
		if st.activeTemplates(p.Workspace.ID) >= e.settings.limits(p.Workspace.Plan).MaxTemplates {
			return errForbidden("Template limit reached for plan %s", p.Workspace.Plan)
		}
		t.ArchivedAt = nil
		t.UpdatedAt = e.now()
		p.audit(e, st, "template.restored", t.ID, nil)
		out = clonePtr(t)
		return nil
	})
	return out, err
}

// DeleteTemplate removes a template and everything hanging off it. It is
// refused while any non-deleted session references the template.
func (e *Engine) DeleteTemplate(ctx context.Context, token, templateID string) error {
	var keys []string
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		for _, s := range st.Sessions {
			if s.TemplateID == t.ID && s.State != SessionDeleted {
				return errConflict("Template has active sessions")
			}
		}
		for id, v := range st.TemplateVersions {
			if v.TemplateID != t.ID {
				continue
			}
			if v.BundleKey != "" {
				keys = append(keys, v.BundleKey)
			}
			if v.BuildLogKey != "" {
				keys = append(keys, v.BuildLogKey)
			}
			delete(st.TemplateVersions, id)
		}
		for id, b := range st.TemplateBuilds {
			if b.TemplateID != t.ID {
				continue
			}
			if b.ArtifactKey != "" {
				keys = append(keys, b.ArtifactKey)
			}
			delete(st.TemplateBuilds, id)
		}
		for id, r := range st.BindingReleases {
			if r.TemplateID == t.ID {
				delete(st.BindingReleases, id)
			}
		}
		for id, g := range st.UploadGrants {
			if g.TemplateID == t.ID {
				delete(st.UploadGrants, id)
			}
		}
		delete(st.Templates, t.ID)
		p.audit(e, st, "template.deleted", t.ID, map[string]string{"name": t.Name})
		return nil
	})
	if err != nil {
		return err
	}
	e.blobs.deleteKeys(ctx, e.logger, keys)
	return nil
}
