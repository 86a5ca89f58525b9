// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/repository"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func roleBytes(t *testing.T, role *roles.Role) []byte {
	t.Helper()
	data, err := role.ToBytes()
	require.NoError(t, err)
	return data
}

func TestLoadRef(t *testing.T) {
	dir := t.TempDir()
	git := gitinterface.CreateTestGitRepository(t, dir, false)

	expires := testNow.Add(testExpiryDays * 24 * time.Hour)
	root := roles.NewRoot(expires)
	targets := roles.NewTargets("targets", expires)

	writeFile(t, filepath.Join(dir, "metadata", "root.json"), roleBytes(t, root))
	writeFile(t, filepath.Join(dir, "metadata", "targets.json"), roleBytes(t, targets))
	// Archived root versions live in a subdirectory and are not roles.
	writeFile(t, filepath.Join(dir, "metadata", "root_history", "1.root.json"), roleBytes(t, root))
	_, err := git.Commit([]string{repository.MetadataDirName}, "Add metadata")
	require.NoError(t, err)

	base, err := LoadRef(git, "main")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root", "targets"}, base.Roles.Names())
	assert.Equal(t, int64(1), base.Roles.Get("root").Version())
	assert.Empty(t, base.Files)

	// A signing event branch diverges from main.
	require.NoError(t, git.CreateBranch("sign/update"))
	require.NoError(t, git.Checkout("sign/update"))

	root.SetVersion(2)
	writeFile(t, filepath.Join(dir, "metadata", "root.json"), roleBytes(t, root))
	content := []byte("server {}\n")
	writeFile(t, filepath.Join(dir, "targets", "nginx", "nginx.conf"), content)
	_, err = git.Commit([]string{repository.MetadataDirName, repository.TargetsDirName}, "Rotate root")
	require.NoError(t, err)

	base, err = LoadRef(git, "main")
	require.NoError(t, err)
	assert.Equal(t, int64(1), base.Roles.Get("root").Version())
	assert.Empty(t, base.Files)

	event, err := LoadRef(git, "sign/update")
	require.NoError(t, err)
	assert.Equal(t, int64(2), event.Roles.Get("root").Version())

	digest := sha256.Sum256(content)
	require.Contains(t, event.Files, "nginx/nginx.conf")
	assert.Equal(t, hex.EncodeToString(digest[:]), event.Files["nginx/nginx.conf"].SHA256)
	assert.Equal(t, int64(len(content)), event.Files["nginx/nginx.conf"].Length)
}

func TestLoadRefMalformed(t *testing.T) {
	dir := t.TempDir()
	git := gitinterface.CreateTestGitRepository(t, dir, false)

	writeFile(t, filepath.Join(dir, "metadata", "root.json"), []byte("not metadata"))
	_, err := git.Commit([]string{repository.MetadataDirName}, "Add broken metadata")
	require.NoError(t, err)

	_, err = LoadRef(git, "main")
	assert.ErrorIs(t, err, roles.ErrMalformedMetadata)
}

func TestLoadRefUnknownRevision(t *testing.T) {
	dir := t.TempDir()
	git := gitinterface.CreateTestGitRepository(t, dir, false)

	writeFile(t, filepath.Join(dir, "metadata", "root.json"),
		roleBytes(t, roles.NewRoot(testNow.Add(24*time.Hour))))
	_, err := git.Commit([]string{repository.MetadataDirName}, "Add metadata")
	require.NoError(t, err)

	_, err = LoadRef(git, "sign/absent")
	assert.Error(t, err)
}

func TestLoadWorktree(t *testing.T) {
	dir := t.TempDir()
	git := gitinterface.CreateTestGitRepository(t, dir, false)
	repo, err := repository.New(git)
	require.NoError(t, err)

	expires := testNow.Add(testExpiryDays * 24 * time.Hour)
	writeFile(t, repo.RolePath("root"), roleBytes(t, roles.NewRoot(expires)))
	writeFile(t, repo.RolePath("targets"), roleBytes(t, roles.NewTargets("targets", expires)))

	state, err := LoadWorktree(repo)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root", "targets"}, state.Roles.Names())
	assert.Empty(t, state.Files)

	content := []byte("pinned artifact\n")
	writeFile(t, filepath.Join(repo.TargetsDir(), "app", "config.yml"), content)

	state, err = LoadWorktree(repo)
	require.NoError(t, err)

	digest := sha256.Sum256(content)
	require.Contains(t, state.Files, "app/config.yml")
	assert.Equal(t, hex.EncodeToString(digest[:]), state.Files["app/config.yml"].SHA256)
	assert.Equal(t, int64(len(content)), state.Files["app/config.yml"].Length)
}
