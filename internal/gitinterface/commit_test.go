// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package gitinterface

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommit(t *testing.T) {
	tmpDir := t.TempDir()
	repo := CreateTestGitRepository(t, tmpDir, false)

	commitID := writeAndCommit(t, repo, "metadata/root.json", "{}", "Initial root")
	assert.NotEmpty(t, commitID)

	authorName, err := repo.executor("log", "-1", "--format=%an").executeString()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, testName, authorName)

	message, err := repo.executor("log", "-1", "--format=%s").executeString()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "Initial root", message)

	t.Run("pathspec limits commit", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(tmpDir, "metadata", "root.json"), []byte(`{"v": 2}`), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(tmpDir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := repo.Commit([]string{"metadata/root.json"}, "Bump root")
		assert.Nil(t, err)

		status, err := repo.executor("status", "--porcelain", "unrelated.txt").executeString()
		if err != nil {
			t.Fatal(err)
		}
		assert.NotEmpty(t, status) // unrelated.txt still uncommitted
	})

	t.Run("nothing to commit", func(t *testing.T) {
		_, err := repo.Commit([]string{"metadata/root.json"}, "No changes")
		assert.ErrorIs(t, err, ErrGitExecution)
	})
}

func TestCommitWithIdentity(t *testing.T) {
	tmpDir := t.TempDir()
	repo := CreateTestGitRepository(t, tmpDir, false)

	writeAndCommit(t, repo, "a.txt", "a", "Initial commit")

	if err := os.WriteFile(filepath.Join(tmpDir, "a.txt"), []byte("bumped"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := repo.CommitWithIdentity("repository-playground", "bot@example.com", []string{"a.txt"}, "Periodic version bump")
	assert.Nil(t, err)

	identity, err := repo.executor("log", "-1", "--format=%an <%ae>").executeString()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "repository-playground <bot@example.com>", identity)
}
