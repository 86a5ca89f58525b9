// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package gitinterface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushAndFetch(t *testing.T) {
	remoteTmpDir := t.TempDir()
	CreateTestGitRepository(t, remoteTmpDir, true)

	localTmpDir := t.TempDir()
	local := CreateTestGitRepository(t, localTmpDir, false)

	if err := local.AddRemote(DefaultRemoteName, remoteTmpDir); err != nil {
		t.Fatal(err)
	}

	commitID := writeAndCommit(t, local, "a.txt", "a", "Initial commit")

	t.Run("push branch", func(t *testing.T) {
		err := local.Push(DefaultRemoteName, "main")
		assert.Nil(t, err)
	})

	t.Run("push detached HEAD to event branch", func(t *testing.T) {
		if err := local.Checkout(commitID); err != nil {
			t.Fatal(err)
		}
		writeAndCommit(t, local, "metadata/targets.json", "{}", "Signed by someone")

		err := local.Push(DefaultRemoteName, "HEAD:refs/heads/sign/targets")
		assert.Nil(t, err)

		if err := local.Checkout("main"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("fetch into second clone", func(t *testing.T) {
		otherTmpDir := t.TempDir()
		other := CreateTestGitRepository(t, otherTmpDir, false)

		if err := other.AddRemote(DefaultRemoteName, remoteTmpDir); err != nil {
			t.Fatal(err)
		}

		assert.False(t, other.HasRemoteTrackingBranch(DefaultRemoteName, "sign/targets"))

		err := other.Fetch(DefaultRemoteName)
		assert.Nil(t, err)

		assert.True(t, other.HasRemoteTrackingBranch(DefaultRemoteName, "main"))
		assert.True(t, other.HasRemoteTrackingBranch(DefaultRemoteName, "sign/targets"))

		mainCommit, err := other.GetReference(RemoteTrackingReferenceName(DefaultRemoteName, "main"))
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, commitID, mainCommit)
	})

	t.Run("push to missing remote", func(t *testing.T) {
		err := local.Push("nonexistent", "main")
		assert.ErrorIs(t, err, ErrGitExecution)
	})
}
