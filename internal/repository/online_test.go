// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/stretchr/testify/assert"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

func TestSnapshot(t *testing.T) {
	p := initPlayground(t)
	ctx := context.Background()

	t.Run("first run creates snapshot and timestamp", func(t *testing.T) {
		update, err := p.repo.Snapshot(ctx)
		assert.Nil(t, err)
		assert.Equal(t, int64(1), update.SnapshotVersion)
		assert.Equal(t, int64(1), update.TimestampVersion)
		assert.Equal(t, "snapshot v1, timestamp v1.", update.Summary())
		assert.Equal(t, []string{"metadata/snapshot.json", "metadata/timestamp.json"}, update.Paths())

		snapshot, err := p.repo.ReadRole(metadata.SNAPSHOT)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, int64(1), snapshot.Version())
		assert.WithinDuration(t, testStart.Add(testSnapshotExpiry*24*time.Hour), snapshot.Expires(), 0)
		assert.Equal(t, int64(1), snapshot.Snapshot().Signed.Meta["targets.json"].Version)

		timestamp, err := p.repo.ReadRole(metadata.TIMESTAMP)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, int64(1), timestamp.Version())
		assert.WithinDuration(t, testStart.Add(testTimestampExpiry*24*time.Hour), timestamp.Expires(), 0)
		assert.Equal(t, int64(1), timestamp.Timestamp().Signed.Meta["snapshot.json"].Version)

		set, err := p.repo.LoadSet()
		if err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{metadata.SNAPSHOT, metadata.TIMESTAMP} {
			status, err := set.VerifySignatures(name, signerverifier.VerifierFor)
			assert.Nil(t, err)
			assert.True(t, status.Satisfied())
		}
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		before, err := os.ReadFile(p.repo.RolePath(metadata.SNAPSHOT))
		if err != nil {
			t.Fatal(err)
		}

		update, err := p.repo.Snapshot(ctx)
		assert.Nil(t, err)
		assert.False(t, update.Changed())

		after, err := os.ReadFile(p.repo.RolePath(metadata.SNAPSHOT))
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, before, after)
	})

	t.Run("targets change advances snapshot and timestamp", func(t *testing.T) {
		version := p.bumpTargets(t)

		update, err := p.repo.Snapshot(ctx)
		assert.Nil(t, err)
		assert.Equal(t, int64(2), update.SnapshotVersion)
		assert.Equal(t, int64(2), update.TimestampVersion)

		snapshot, err := p.repo.ReadRole(metadata.SNAPSHOT)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, version, snapshot.Snapshot().Signed.Meta["targets.json"].Version)

		timestamp, err := p.repo.ReadRole(metadata.TIMESTAMP)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, int64(2), timestamp.Timestamp().Signed.Meta["snapshot.json"].Version)
	})
}

func TestSnapshotDelegatedRoles(t *testing.T) {
	p := initPlayground(t)
	ctx := context.Background()

	if _, err := p.repo.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}

	carolKey, carolSigner := testSigner(t, "carol")

	t.Run("new delegated role joins the meta", func(t *testing.T) {
		targets, err := p.repo.ReadRole(metadata.TARGETS)
		if err != nil {
			t.Fatal(err)
		}
		targets.Targets().Signed.Delegations = &metadata.Delegations{
			Keys: map[string]*metadata.Key{carolKey.ID(): carolKey},
			Roles: []metadata.DelegatedRole{
				{Name: "nginx", KeyIDs: []string{carolKey.ID()}, Threshold: 1, Paths: []string{"nginx/*"}},
			},
		}
		targets.SetVersion(2)
		targets.ClearSignatures()
		if err := targets.Sign(p.signers["bob"], p.keys["bob"].ID()); err != nil {
			t.Fatal(err)
		}
		if err := p.repo.WriteRole(targets); err != nil {
			t.Fatal(err)
		}

		nginx := roles.NewTargets("nginx", p.clock.Now().Add(testOfflineExpiry*24*time.Hour))
		nginx.SetExpiryPeriod(testOfflineExpiry)
		nginx.SetSigningPeriod(testOfflineSigning)
		if err := nginx.Sign(carolSigner, carolKey.ID()); err != nil {
			t.Fatal(err)
		}
		if err := p.repo.WriteRole(nginx); err != nil {
			t.Fatal(err)
		}

		update, err := p.repo.Snapshot(ctx)
		assert.Nil(t, err)
		assert.Equal(t, int64(2), update.SnapshotVersion)

		snapshot, err := p.repo.ReadRole(metadata.SNAPSHOT)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, int64(1), snapshot.Snapshot().Signed.Meta["nginx.json"].Version)
	})

	t.Run("removed delegated role leaves the meta", func(t *testing.T) {
		targets, err := p.repo.ReadRole(metadata.TARGETS)
		if err != nil {
			t.Fatal(err)
		}
		targets.Targets().Signed.Delegations = nil
		targets.SetVersion(3)
		targets.ClearSignatures()
		if err := targets.Sign(p.signers["bob"], p.keys["bob"].ID()); err != nil {
			t.Fatal(err)
		}
		if err := p.repo.WriteRole(targets); err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(p.repo.RolePath("nginx")); err != nil {
			t.Fatal(err)
		}

		update, err := p.repo.Snapshot(ctx)
		assert.Nil(t, err)
		assert.Equal(t, int64(3), update.SnapshotVersion)

		snapshot, err := p.repo.ReadRole(metadata.SNAPSHOT)
		if err != nil {
			t.Fatal(err)
		}
		_, present := snapshot.Snapshot().Signed.Meta["nginx.json"]
		assert.False(t, present)
	})
}

func TestSnapshotVersionRollback(t *testing.T) {
	p := initPlayground(t)
	ctx := context.Background()

	p.bumpTargets(t) // v2
	if _, err := p.repo.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(p.repo.RolePath(metadata.SNAPSHOT))
	if err != nil {
		t.Fatal(err)
	}

	// Reintroduce targets v1.
	rollback := roles.NewTargets(metadata.TARGETS, testStart.Add(testOfflineExpiry*24*time.Hour))
	rollback.SetExpiryPeriod(testOfflineExpiry)
	rollback.SetSigningPeriod(testOfflineSigning)
	if err := rollback.Sign(p.signers["bob"], p.keys["bob"].ID()); err != nil {
		t.Fatal(err)
	}
	if err := p.repo.WriteRole(rollback); err != nil {
		t.Fatal(err)
	}

	_, err = p.repo.Snapshot(ctx)
	assert.ErrorIs(t, err, roles.ErrVersionRegression)

	after, err := os.ReadFile(p.repo.RolePath(metadata.SNAPSHOT))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, before, after) // nothing written
}

func TestSnapshotCancelledContext(t *testing.T) {
	p := initPlayground(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.repo.Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, p.repo.RolePath(metadata.SNAPSHOT))
	assert.NoFileExists(t, p.repo.RolePath(metadata.TIMESTAMP))
}

func TestBumpOnline(t *testing.T) {
	p := initPlayground(t)
	ctx := context.Background()

	if _, err := p.repo.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("inside both signing windows", func(t *testing.T) {
		update, err := p.repo.BumpOnline(ctx)
		assert.Nil(t, err)
		assert.False(t, update.Changed())
	})

	t.Run("timestamp window opens first", func(t *testing.T) {
		p.clock.Advance(11*time.Hour + 30*time.Minute)

		update, err := p.repo.BumpOnline(ctx)
		assert.Nil(t, err)
		assert.Equal(t, int64(0), update.SnapshotVersion)
		assert.Equal(t, int64(2), update.TimestampVersion)
		assert.Equal(t, "timestamp v2.", update.Summary())
		assert.Equal(t, []string{"metadata/timestamp.json"}, update.Paths())

		timestamp, err := p.repo.ReadRole(metadata.TIMESTAMP)
		if err != nil {
			t.Fatal(err)
		}
		assert.WithinDuration(t, p.clock.Now().Add(testTimestampExpiry*24*time.Hour), timestamp.Expires(), 0)
	})

	t.Run("snapshot bump cascades into timestamp", func(t *testing.T) {
		p.clock.Advance(228*time.Hour + 30*time.Minute) // snapshot expiry day

		update, err := p.repo.BumpOnline(ctx)
		assert.Nil(t, err)
		assert.Equal(t, int64(2), update.SnapshotVersion)
		assert.Equal(t, int64(3), update.TimestampVersion)
		assert.Equal(t, "snapshot v2, timestamp v3.", update.Summary())

		timestamp, err := p.repo.ReadRole(metadata.TIMESTAMP)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, int64(2), timestamp.Timestamp().Signed.Meta["snapshot.json"].Version)
	})

	t.Run("no-op right after bumping", func(t *testing.T) {
		update, err := p.repo.BumpOnline(ctx)
		assert.Nil(t, err)
		assert.False(t, update.Changed())
	})
}

func TestBumpOnlineSigningPeriod(t *testing.T) {
	p := initPlayground(t)
	ctx := context.Background()

	// Widen the snapshot window to four days before expiry.
	root, err := p.repo.ReadRole(metadata.ROOT)
	if err != nil {
		t.Fatal(err)
	}
	if err := root.SetOnlineSigningPeriod(metadata.SNAPSHOT, 4); err != nil {
		t.Fatal(err)
	}
	root.ClearSignatures()
	if err := root.Sign(p.signers["alice"], p.keys["alice"].ID()); err != nil {
		t.Fatal(err)
	}
	if err := p.repo.WriteRole(root); err != nil {
		t.Fatal(err)
	}

	if _, err := p.repo.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}

	p.clock.Advance(5 * 24 * time.Hour) // five of ten days: outside the window
	update, err := p.repo.BumpOnline(ctx)
	assert.Nil(t, err)
	assert.Equal(t, int64(0), update.SnapshotVersion)
	assert.Equal(t, int64(2), update.TimestampVersion) // timestamp expired on its own

	p.clock.Advance(24 * time.Hour) // six of ten days: window open
	update, err = p.repo.BumpOnline(ctx)
	assert.Nil(t, err)
	assert.Equal(t, int64(2), update.SnapshotVersion)
	assert.Equal(t, int64(3), update.TimestampVersion)
}

func TestBumpOffline(t *testing.T) {
	p := initPlayground(t)
	ctx := context.Background()

	t.Run("inside signing windows", func(t *testing.T) {
		events, err := p.repo.BumpOffline(ctx, false)
		assert.Nil(t, err)
		assert.Empty(t, events)
	})

	t.Run("windows open for root and targets", func(t *testing.T) {
		p.clock.Advance((testOfflineExpiry - testOfflineSigning) * 24 * time.Hour)

		headBefore, err := p.git.Head()
		if err != nil {
			t.Fatal(err)
		}

		events, err := p.repo.BumpOffline(ctx, false)
		assert.Nil(t, err)
		assert.Equal(t, []string{"sign/root-bump-2", "sign/targets-bump-2"}, events)

		// The checked-out branch and working tree are back where they were.
		head, err := p.git.Head()
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, headBefore, head)
		root, err := p.repo.ReadRole(metadata.ROOT)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, int64(1), root.Version())
		assert.NoFileExists(t, filepath.Join(p.repo.MetadataDir(), rootHistoryDirName, "2.root.json"))

		commitID, err := p.git.GetReference(gitinterface.BranchReferenceName("sign/root-bump-2"))
		if err != nil {
			t.Fatal(err)
		}
		data, err := p.git.ReadBlobAtCommit(commitID, "metadata/root.json")
		if err != nil {
			t.Fatal(err)
		}
		bumped, err := roles.FromBytes(metadata.ROOT, data)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, int64(2), bumped.Version())
		assert.WithinDuration(t, p.clock.Now().Add(testOfflineExpiry*24*time.Hour), bumped.Expires(), 0)
		sigs := bumped.Signatures()
		assert.Len(t, sigs, 1)
		assert.Empty(t, sigs[0].Signature) // placeholder for alice

		history, err := p.git.ReadBlobAtCommit(commitID, "metadata/root_history/2.root.json")
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, data, history)

		goGit, err := p.git.GetGoGitRepository()
		if err != nil {
			t.Fatal(err)
		}
		commitObj, err := goGit.CommitObject(plumbing.NewHash(commitID))
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, BotName, commitObj.Author.Name)
		assert.Equal(t, BotEmail, commitObj.Author.Email)
		assert.True(t, strings.HasPrefix(commitObj.Message, "Periodic version bump: root v2"))
	})

	t.Run("existing events are not recreated", func(t *testing.T) {
		events, err := p.repo.BumpOffline(ctx, false)
		assert.Nil(t, err)
		assert.Empty(t, events)
	})
}

func TestBumpOfflinePush(t *testing.T) {
	p := initPlayground(t)
	ctx := context.Background()

	remoteDir := filepath.Join(t.TempDir(), "remote.git")
	gitinterface.CreateTestGitRepository(t, remoteDir, true)
	if err := p.git.AddRemote(gitinterface.DefaultRemoteName, remoteDir); err != nil {
		t.Fatal(err)
	}

	p.clock.Advance((testOfflineExpiry - testOfflineSigning) * 24 * time.Hour)

	events, err := p.repo.BumpOffline(ctx, true)
	assert.Nil(t, err)
	assert.Equal(t, []string{"sign/root-bump-2", "sign/targets-bump-2"}, events)

	for _, event := range events {
		assert.False(t, p.git.HasBranch(event), fmt.Sprintf("%s should only exist on the remote", event))
		assert.True(t, p.git.HasRemoteTrackingBranch(gitinterface.DefaultRemoteName, event))
	}

	// The remote-tracking refs keep a re-run from reopening the events.
	events, err = p.repo.BumpOffline(ctx, true)
	assert.Nil(t, err)
	assert.Empty(t, events)
}
