package flare_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstflare/internal/flare"
	"burstflare/internal/testutil"
)

func TestTemplateBundle_SizeLimit(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	token := h.Register(t, "dev@example.com").AccessToken
	res := addVersion(t, h, token, flare.Manifest{Image: "node:20"})
	tplID, verID := res.Version.TemplateID, res.Version.ID

	_, err := h.Engine.UploadTemplateBundle(ctx, token, tplID, verID, make([]byte, 300_000), "")
	require.Error(t, err)
	assert.Equal(t, flare.KindPayloadTooLarge, flare.KindOf(err))
	assert.Equal(t, 413, flare.StatusOf(err))

	_, err = h.Engine.GetTemplateBundle(ctx, token, tplID, verID)
	assert.Equal(t, flare.KindNotFound, flare.KindOf(err), "a rejected upload stores nothing")

	small := []byte("#!/bin/sh\necho ready\n\x00")
	require.Len(t, small, 22)
	v, err := h.Engine.UploadTemplateBundle(ctx, token, tplID, verID, small, "application/x-sh")
	require.NoError(t, err)
	assert.Equal(t, int64(22), v.BundleBytes)

	got, err := h.Engine.GetTemplateBundle(ctx, token, tplID, verID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(small, got.Data))
	assert.Equal(t, "application/x-sh", got.ContentType)

	_, err = h.Engine.UploadTemplateBundle(ctx, token, tplID, verID, nil, "")
	assert.Equal(t, flare.KindValidation, flare.KindOf(err))
}

func TestUploadGrant_SingleUse(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	token := h.Register(t, "dev@example.com").AccessToken
	res := addVersion(t, h, token, flare.Manifest{Image: "node:20"})
	tplID, verID := res.Version.TemplateID, res.Version.ID

	grant, err := h.Engine.CreateBundleUploadGrant(ctx, token, tplID, verID, "application/gzip", nil)
	require.NoError(t, err)
	assert.Equal(t, flare.GrantTemplateBundle, grant.Kind)

	out, err := h.Engine.ConsumeUploadGrant(ctx, grant.ID, []byte("bundle"), "")
	require.NoError(t, err)
	require.NotNil(t, out.TemplateVersion)
	assert.Equal(t, "application/gzip", out.TemplateVersion.BundleContentType)

	_, err = h.Engine.ConsumeUploadGrant(ctx, grant.ID, []byte("again"), "")
	assert.Equal(t, flare.KindNotFound, flare.KindOf(err))
}

func TestUploadGrant_Rejections(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	token := h.Register(t, "dev@example.com").AccessToken
	res := addVersion(t, h, token, flare.Manifest{Image: "node:20"})
	tplID, verID := res.Version.TemplateID, res.Version.ID
	size := func(n int64) *int64 { return &n }

	_, err := h.Engine.CreateBundleUploadGrant(ctx, token, tplID, verID, "", size(1<<30))
	assert.Equal(t, flare.KindPayloadTooLarge, flare.KindOf(err))
	_, err = h.Engine.CreateBundleUploadGrant(ctx, token, tplID, verID, "", size(0))
	assert.Equal(t, flare.KindValidation, flare.KindOf(err))

	sized, err := h.Engine.CreateBundleUploadGrant(ctx, token, tplID, verID, "", size(4))
	require.NoError(t, err)
	_, err = h.Engine.ConsumeUploadGrant(ctx, sized.ID, []byte("toolong"), "")
	assert.Equal(t, flare.KindValidation, flare.KindOf(err))
	_, err = h.Engine.ConsumeUploadGrant(ctx, sized.ID, []byte("four"), "")
	require.NoError(t, err, "a rejected attempt does not burn the grant")

	expiring, err := h.Engine.CreateBundleUploadGrant(ctx, token, tplID, verID, "", nil)
	require.NoError(t, err)
	h.Clock.Advance(11 * time.Minute)
	_, err = h.Engine.ConsumeUploadGrant(ctx, expiring.ID, []byte("late"), "")
	assert.Equal(t, flare.KindNotFound, flare.KindOf(err))
}

func TestSnapshots(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	token := h.Register(t, "dev@example.com").AccessToken

	plainID, _ := h.ReadyTemplate(t, token, "plain", flare.Manifest{Image: "node:20"})
	plain := h.RunningSession(t, token, plainID)
	_, err := h.Engine.CreateSnapshot(ctx, token, plain.ID, "")
	assert.Equal(t, flare.KindConflict, flare.KindOf(err), "the template must declare snapshots")

	tplID, _ := h.ReadyTemplate(t, token, "snappy", flare.Manifest{
		Image:          "node:20",
		Features:       []flare.Feature{flare.FeatureSnapshots},
		PersistedPaths: []string{"/workspace"},
	})
	ses := h.RunningSession(t, token, tplID)

	first, err := h.Engine.CreateSnapshot(ctx, token, ses.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "snapshot-1", first.Label)

	_, err = h.Engine.RestoreSnapshot(ctx, token, ses.ID, first.ID)
	assert.Equal(t, flare.KindConflict, flare.KindOf(err), "nothing uploaded yet")

	_, err = h.Engine.UploadSnapshotContent(ctx, token, ses.ID, first.ID, []byte("first"), "text/plain")
	require.NoError(t, err)

	h.Clock.Advance(time.Second)
	grant, err := h.Engine.CreateSnapshotUploadGrant(ctx, token, ses.ID, "", "", nil)
	assert.Equal(t, flare.KindNotFound, flare.KindOf(err))
	assert.Nil(t, grant)

	second, err := h.Engine.CreateSnapshot(ctx, token, ses.ID, "nightly")
	require.NoError(t, err)
	grant, err = h.Engine.CreateSnapshotUploadGrant(ctx, token, ses.ID, second.ID, "text/plain", nil)
	require.NoError(t, err)
	_, err = h.Engine.ConsumeUploadGrant(ctx, grant.ID, []byte("second"), "")
	require.NoError(t, err)

	rt, err := h.Engine.IssueRuntimeToken(ctx, token, ses.ID)
	require.NoError(t, err)
	access, err := h.Engine.AuthorizeRuntime(ctx, ses.ID, rt.Token)
	require.NoError(t, err)
	require.NotNil(t, access.Snapshot)
	assert.Equal(t, second.ID, access.Snapshot.ID, "the newest upload hydrates by default")
	assert.Equal(t, []byte("second"), access.SnapshotData)

	_, err = h.Engine.RestoreSnapshot(ctx, token, ses.ID, first.ID)
	require.NoError(t, err)
	rt, err = h.Engine.IssueRuntimeToken(ctx, token, ses.ID)
	require.NoError(t, err)
	access, err = h.Engine.AuthorizeRuntime(ctx, ses.ID, rt.Token)
	require.NoError(t, err)
	assert.Equal(t, first.ID, access.Snapshot.ID)
	assert.Equal(t, []byte("first"), access.SnapshotData)

	require.NoError(t, h.Engine.DeleteSnapshot(ctx, token, ses.ID, first.ID))
	_, err = h.Engine.GetSnapshotContent(ctx, token, ses.ID, first.ID)
	assert.Equal(t, flare.KindNotFound, flare.KindOf(err))

	list, err := h.Engine.ListSnapshots(ctx, token, ses.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "nightly", list[0].Label)
}

func TestUpload_RecordDeletedDuringWrite(t *testing.T) {
	setup := func(t *testing.T) (*testutil.Harness, *interceptingObjects, string) {
		objs := &interceptingObjects{}
		h := testutil.NewHarness(t, testutil.WithObjectStore(func(inner flare.ObjectStore) flare.ObjectStore {
			objs.ObjectStore = inner
			return objs
		}))
		return h, objs, h.Register(t, "dev@example.com").AccessToken
	}

	t.Run("snapshot", func(t *testing.T) {
		h, objs, token := setup(t)
		ctx := context.Background()
		tplID, _ := h.ReadyTemplate(t, token, "snappy", flare.Manifest{
			Image:    "node:20",
			Features: []flare.Feature{flare.FeatureSnapshots},
		})
		ses := h.RunningSession(t, token, tplID)
		snap, err := h.Engine.CreateSnapshot(ctx, token, ses.ID, "")
		require.NoError(t, err)

		objs.beforePut = func() {
			require.NoError(t, h.Engine.DeleteSnapshot(ctx, token, ses.ID, snap.ID))
		}
		_, err = h.Engine.UploadSnapshotContent(ctx, token, ses.ID, snap.ID, []byte("state"), "")
		assert.Equal(t, flare.KindNotFound, flare.KindOf(err))

		var buf bytes.Buffer
		assert.ErrorIs(t, h.Objects.Get(ctx, flare.SnapshotKey(snap), &buf), flare.ErrObjectNotFound)
	})

	t.Run("bundle", func(t *testing.T) {
		h, objs, token := setup(t)
		ctx := context.Background()
		res := addVersion(t, h, token, flare.Manifest{Image: "node:20"})

		objs.beforePut = func() {
			require.NoError(t, h.Engine.DeleteTemplate(ctx, token, res.Version.TemplateID))
		}
		_, err := h.Engine.UploadTemplateBundle(ctx, token, res.Version.TemplateID, res.Version.ID, []byte("bundle"), "")
		assert.Equal(t, flare.KindNotFound, flare.KindOf(err))

		var buf bytes.Buffer
		assert.ErrorIs(t, h.Objects.Get(ctx, flare.BundleKey(res.Version), &buf), flare.ErrObjectNotFound)
	})
}

func TestSaveRuntimeSnapshot(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	token := h.Register(t, "dev@example.com").AccessToken

	plainID, _ := h.ReadyTemplate(t, token, "plain", flare.Manifest{Image: "node:20"})
	plain := h.RunningSession(t, token, plainID)
	rt, err := h.Engine.IssueRuntimeToken(ctx, token, plain.ID)
	require.NoError(t, err)
	access, err := h.Engine.AuthorizeRuntime(ctx, plain.ID, rt.Token)
	require.NoError(t, err)
	_, err = h.Engine.SaveRuntimeSnapshot(ctx, access, "", []byte("files"), "")
	assert.Equal(t, flare.KindConflict, flare.KindOf(err))

	tplID, _ := h.ReadyTemplate(t, token, "snappy", flare.Manifest{
		Image:          "node:20",
		Features:       []flare.Feature{flare.FeatureSnapshots},
		PersistedPaths: []string{"/workspace"},
	})
	ses := h.RunningSession(t, token, tplID)
	rt, err = h.Engine.IssueRuntimeToken(ctx, token, ses.ID)
	require.NoError(t, err)
	access, err = h.Engine.AuthorizeRuntime(ctx, ses.ID, rt.Token)
	require.NoError(t, err)

	snap, err := h.Engine.SaveRuntimeSnapshot(ctx, access, "terminal", []byte("files"), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "terminal", snap.Label)
	require.NotNil(t, snap.UploadedAt)

	content, err := h.Engine.GetSnapshotContent(ctx, token, ses.ID, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("files"), content.Data)
	assert.Equal(t, "application/json", content.ContentType)

	_, err = h.Engine.SaveRuntimeSnapshot(ctx, nil, "", []byte("files"), "")
	assert.Equal(t, flare.KindUnauthorized, flare.KindOf(err))
}
