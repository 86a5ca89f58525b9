// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

var testStart = time.Date(2025, time.January, 2, 9, 0, 0, 0, time.UTC)

const (
	testOnlineURI = "envvar:LOCAL_TESTING_KEY"

	// Fixture periods, in days.
	testOfflineExpiry   = 365
	testOfflineSigning  = 60
	testSnapshotExpiry  = 10
	testTimestampExpiry = 1
)

type testPlayground struct {
	repo  *Repository
	git   *gitinterface.Repository
	clock clockwork.FakeClock

	signers map[string]signature.Signer
	keys    map[string]*metadata.Key
}

// testSigner returns a deterministic ed25519 key for the owner handle, with
// the owner recorded before the keyid is first computed.
func testSigner(t *testing.T, owner string) (*metadata.Key, signature.Signer) {
	t.Helper()

	seed := sha256.Sum256([]byte(owner))
	private := ed25519.NewKeyFromSeed(seed[:])

	key, err := metadata.KeyFromPublicKey(private.Public())
	if err != nil {
		t.Fatal(err)
	}
	roles.SetKeyowner(key, owner)

	signer, err := signature.LoadSigner(private, crypto.Hash(0))
	if err != nil {
		t.Fatal(err)
	}

	return key, signer
}

// initPlayground creates a git repository whose working tree carries an
// initialized playground: root and targets at version 1 with one offline
// signer each, and the online roles delegated to a test key served from the
// environment.
func initPlayground(t *testing.T) *testPlayground {
	t.Helper()

	tmpDir := t.TempDir()
	git := gitinterface.CreateTestGitRepository(t, tmpDir, false)
	clock := clockwork.NewFakeClockAt(testStart)

	onlineSeed := sha256.Sum256([]byte("online-engine"))
	onlinePrivate := ed25519.NewKeyFromSeed(onlineSeed[:])
	t.Setenv(signerverifier.EnvLocalTestingKey, hex.EncodeToString(onlineSeed[:]))

	onlineKey, err := metadata.KeyFromPublicKey(onlinePrivate.Public())
	if err != nil {
		t.Fatal(err)
	}
	roles.SetOnlineURI(onlineKey, testOnlineURI)

	aliceKey, aliceSigner := testSigner(t, "alice")
	bobKey, bobSigner := testSigner(t, "bob")

	root := roles.NewRoot(testStart.Add(testOfflineExpiry * 24 * time.Hour))
	if err := root.AddKey(aliceKey, metadata.ROOT); err != nil {
		t.Fatal(err)
	}
	if err := root.AddKey(bobKey, metadata.TARGETS); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{metadata.SNAPSHOT, metadata.TIMESTAMP} {
		if err := root.AddKey(onlineKey, name); err != nil {
			t.Fatal(err)
		}
	}
	root.SetExpiryPeriod(testOfflineExpiry)
	root.SetSigningPeriod(testOfflineSigning)
	if err := root.SetOnlineExpiryPeriod(metadata.SNAPSHOT, testSnapshotExpiry); err != nil {
		t.Fatal(err)
	}
	if err := root.SetOnlineExpiryPeriod(metadata.TIMESTAMP, testTimestampExpiry); err != nil {
		t.Fatal(err)
	}
	if err := root.Sign(aliceSigner, aliceKey.ID()); err != nil {
		t.Fatal(err)
	}

	targets := roles.NewTargets(metadata.TARGETS, testStart.Add(testOfflineExpiry*24*time.Hour))
	targets.SetExpiryPeriod(testOfflineExpiry)
	targets.SetSigningPeriod(testOfflineSigning)
	if err := targets.Sign(bobSigner, bobKey.ID()); err != nil {
		t.Fatal(err)
	}

	repo, err := New(git, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.WriteRole(root); err != nil {
		t.Fatal(err)
	}
	if err := repo.WriteRole(targets); err != nil {
		t.Fatal(err)
	}
	if _, err := git.Commit([]string{MetadataDirName}, "Initial metadata"); err != nil {
		t.Fatal(err)
	}

	return &testPlayground{
		repo:    repo,
		git:     git,
		clock:   clock,
		signers: map[string]signature.Signer{"alice": aliceSigner, "bob": bobSigner},
		keys:    map[string]*metadata.Key{"alice": aliceKey, "bob": bobKey, "online": onlineKey},
	}
}

// bumpTargets rewrites the targets role at the next version, signed by bob,
// and commits the result.
func (p *testPlayground) bumpTargets(t *testing.T) int64 {
	t.Helper()

	targets, err := p.repo.ReadRole(metadata.TARGETS)
	if err != nil {
		t.Fatal(err)
	}
	targets.SetVersion(targets.Version() + 1)
	targets.SetExpires(p.clock.Now().Add(testOfflineExpiry * 24 * time.Hour))
	targets.ClearSignatures()
	if err := targets.Sign(p.signers["bob"], p.keys["bob"].ID()); err != nil {
		t.Fatal(err)
	}
	if err := p.repo.WriteRole(targets); err != nil {
		t.Fatal(err)
	}
	if _, err := p.git.Commit([]string{RoleGitPath(metadata.TARGETS)}, "Update targets"); err != nil {
		t.Fatal(err)
	}
	return targets.Version()
}
