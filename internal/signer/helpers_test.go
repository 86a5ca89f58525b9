// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/repository-playground/playground/internal/config"
	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/repository"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/stretchr/testify/require"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

var testStart = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

const testOnlineURI = "envvar:LOCAL_TESTING_KEY"

// testEvent is a checked-out signing event worktree with deterministic
// signers resolved in memory instead of through signing backends.
type testEvent struct {
	repo  *repository.Repository
	clock clockwork.FakeClock
	dir   string

	signers map[string]signature.Signer
	keys    map[string]*metadata.Key
}

func newTestEvent(t *testing.T) *testEvent {
	t.Helper()

	dir := t.TempDir()
	git := gitinterface.CreateTestGitRepository(t, dir, false)
	repo, err := repository.New(git)
	require.NoError(t, err)

	return &testEvent{
		repo:    repo,
		clock:   clockwork.NewFakeClockAt(testStart),
		dir:     dir,
		signers: map[string]signature.Signer{},
		keys:    map[string]*metadata.Key{},
	}
}

// signer creates a deterministic ed25519 key for the owner handle and
// registers its signer for in-memory resolution.
func (e *testEvent) signer(t *testing.T, owner string) *metadata.Key {
	t.Helper()

	seed := sha256.Sum256([]byte(owner))
	private := ed25519.NewKeyFromSeed(seed[:])

	key, err := metadata.KeyFromPublicKey(private.Public())
	require.NoError(t, err)
	roles.SetKeyowner(key, owner)

	signer, err := signature.LoadSigner(private, crypto.Hash(0))
	require.NoError(t, err)

	e.signers[key.ID()] = signer
	e.keys[owner] = key
	return key
}

func (e *testEvent) onlineKey(t *testing.T) *metadata.Key {
	t.Helper()

	seed := sha256.Sum256([]byte("online"))
	private := ed25519.NewKeyFromSeed(seed[:])

	key, err := metadata.KeyFromPublicKey(private.Public())
	require.NoError(t, err)
	roles.SetOnlineURI(key, testOnlineURI)
	return key
}

func (e *testEvent) resolve(_ context.Context, key *metadata.Key) (signature.Signer, error) {
	signer, ok := e.signers[key.ID()]
	if !ok {
		return nil, fmt.Errorf("no test signer for key %s", key.ID())
	}
	return signer, nil
}

// user writes a workbench configuration for the named signer and loads it.
func (e *testEvent) user(t *testing.T, name string) *config.User {
	t.Helper()

	content := fmt.Sprintf(`[settings]
user-name = %s
pykcs11lib = /usr/lib/softhsm/libsofthsm2.so
pull-remote = origin
push-remote = origin
`, name)
	path := filepath.Join(e.dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	user, err := config.Load(path)
	require.NoError(t, err)
	return user
}

// bench opens the workbench as the named signer against the given baseline.
func (e *testEvent) bench(t *testing.T, name string, baseline *roles.Set) *Workbench {
	t.Helper()

	w, err := New(e.repo, baseline, e.user(t, name),
		WithClock(e.clock),
		WithSignerResolver(e.resolve),
	)
	require.NoError(t, err)
	return w
}

// bootstrap initializes the repository as @alice with default configurations
// and returns the resulting role set as the published baseline.
func (e *testEvent) bootstrap(t *testing.T) *roles.Set {
	t.Helper()

	aliceKey := e.signer(t, "@alice")
	w := e.bench(t, "@alice", roles.NewSet())
	require.Equal(t, Uninitialized, w.State())

	online := DefaultOnlineConfig()
	online.Key = e.onlineKey(t)
	err := w.Initialize(context.Background(),
		DefaultOfflineConfig("@alice"), DefaultOfflineConfig("@alice"), online, aliceKey)
	require.NoError(t, err)

	baseline, err := e.repo.LoadSet()
	require.NoError(t, err)
	return baseline
}

// writeTarget puts a file under the targets directory.
func (e *testEvent) writeTarget(t *testing.T, rel, content string) {
	t.Helper()

	path := filepath.Join(e.repo.TargetsDir(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
