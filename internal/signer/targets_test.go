// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/repository-playground/playground/internal/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

func TestTargetFileLifecycle(t *testing.T) {
	e := newTestEvent(t)
	ctx := context.Background()
	baseline := e.bootstrap(t)

	e.writeTarget(t, "config.yml", "port: 8000\n")
	digest := sha256.Sum256([]byte("port: 8000\n"))

	w := e.bench(t, "@alice", baseline)
	require.Equal(t, TargetsChanged, w.State())

	changes := w.TargetChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, metadata.TARGETS, changes[0].Role)
	assert.Equal(t, "config.yml", changes[0].Path)
	assert.Equal(t, TargetAdded, changes[0].Kind)
	require.NotNil(t, changes[0].Entry)
	assert.Equal(t, int64(11), changes[0].Entry.Length)
	assert.Equal(t, digest[:], []byte(changes[0].Entry.Hashes["sha256"]))

	require.NoError(t, w.UpdateTargets(ctx))
	assert.Equal(t, NoAction, w.State())

	targets := w.Roles().Get(metadata.TARGETS)
	assert.Equal(t, int64(2), targets.Version())
	entry := targets.Targets().Signed.Targets["config.yml"]
	require.NotNil(t, entry)
	assert.Equal(t, int64(11), entry.Length)

	// Rewriting the file within the same event updates the listing without
	// another version bump.
	e.writeTarget(t, "config.yml", "port: 8001\nworkers: 4\n")
	w = e.bench(t, "@alice", baseline)
	require.Equal(t, TargetsChanged, w.State())
	changes = w.TargetChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, TargetModified, changes[0].Kind)

	require.NoError(t, w.UpdateTargets(ctx))
	targets = w.Roles().Get(metadata.TARGETS)
	assert.Equal(t, int64(2), targets.Version())
	entry = targets.Targets().Signed.Targets["config.yml"]
	require.NotNil(t, entry)
	assert.Equal(t, int64(22), entry.Length)

	require.NoError(t, os.Remove(filepath.Join(e.repo.TargetsDir(), "config.yml")))
	w = e.bench(t, "@alice", baseline)
	changes = w.TargetChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, TargetRemoved, changes[0].Kind)
	assert.Nil(t, changes[0].Entry)

	require.NoError(t, w.UpdateTargets(ctx))
	assert.Empty(t, w.Roles().Get(metadata.TARGETS).Targets().Signed.Targets)
}

func TestTargetFilesForDelegatedRole(t *testing.T) {
	e := newTestEvent(t)
	ctx := context.Background()
	baseline := e.bootstrap(t)
	aliceKey := e.keys["@alice"]

	w := e.bench(t, "@alice", baseline)
	cfg := OfflineConfig{Signers: []string{"@alice"}, Threshold: 1, ExpiryDays: 180, SigningDays: 30}
	_, err := w.SetOfflineConfig(ctx, "nginx", cfg, aliceKey)
	require.NoError(t, err)

	e.writeTarget(t, "nginx/nginx.conf", "server {}\n")
	w = e.bench(t, "@alice", baseline)
	require.Equal(t, TargetsChanged, w.State())

	changes := w.TargetChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, "nginx", changes[0].Role)
	assert.Equal(t, "nginx/nginx.conf", changes[0].Path)

	require.NoError(t, w.UpdateTargets(ctx))
	nginx := w.Roles().Get("nginx")
	assert.Equal(t, int64(1), nginx.Version())
	assert.NotNil(t, nginx.Targets().Signed.Targets["nginx/nginx.conf"])
}

func TestTargetFileForUnknownRole(t *testing.T) {
	e := newTestEvent(t)
	baseline := e.bootstrap(t)

	e.writeTarget(t, "unknown/file.txt", "data")

	_, err := New(e.repo, baseline, e.user(t, "@alice"),
		WithClock(e.clock),
		WithSignerResolver(e.resolve),
	)
	assert.ErrorIs(t, err, roles.ErrUnknownRole)
}
