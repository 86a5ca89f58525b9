// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

const (
	testExpiryDays  = 365
	testSigningDays = 60
)

// testSigner derives a deterministic ed25519 key for an owner handle.
func testSigner(t *testing.T, owner string) (*metadata.Key, signature.Signer) {
	t.Helper()

	seed := sha256.Sum256([]byte(owner))
	private := ed25519.NewKeyFromSeed(seed[:])

	key, err := metadata.KeyFromPublicKey(private.Public())
	require.NoError(t, err)
	roles.SetKeyowner(key, owner)

	signer, err := signature.LoadSigner(private, crypto.Hash(0))
	require.NoError(t, err)
	return key, signer
}

type fixture struct {
	base    State
	signers map[string]signature.Signer
	keys    map[string]*metadata.Key
}

// newFixture builds a committed baseline: root delegated to @alice and
// targets to @bob, both threshold 1, signed.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	aliceKey, aliceSigner := testSigner(t, "@alice")
	bobKey, bobSigner := testSigner(t, "@bob")

	root := roles.NewRoot(testNow.Add(testExpiryDays * 24 * time.Hour))
	root.SetVersion(1)
	root.SetExpiryPeriod(testExpiryDays)
	root.SetSigningPeriod(testSigningDays)
	require.NoError(t, root.AddKey(aliceKey, metadata.ROOT))
	require.NoError(t, root.AddKey(bobKey, metadata.TARGETS))
	require.NoError(t, root.Sign(aliceSigner, aliceKey.ID()))

	targets := roles.NewTargets(metadata.TARGETS, testNow.Add(testExpiryDays*24*time.Hour))
	targets.SetVersion(1)
	targets.SetExpiryPeriod(testExpiryDays)
	targets.SetSigningPeriod(testSigningDays)
	require.NoError(t, targets.Sign(bobSigner, bobKey.ID()))

	set := roles.NewSet()
	set.Add(root)
	set.Add(targets)

	return &fixture{
		base:    State{Roles: set},
		signers: map[string]signature.Signer{"@alice": aliceSigner, "@bob": bobSigner},
		keys:    map[string]*metadata.Key{"@alice": aliceKey, "@bob": bobKey},
	}
}

// cloneSet deep-copies a role set through serialization.
func cloneSet(t *testing.T, set *roles.Set) *roles.Set {
	t.Helper()

	cloned := roles.NewSet()
	for _, name := range set.Names() {
		data, err := set.Get(name).ToBytes()
		require.NoError(t, err)
		role, err := roles.FromBytes(name, data)
		require.NoError(t, err)
		cloned.Add(role)
	}
	return cloned
}

func (f *fixture) eventState(t *testing.T) State {
	t.Helper()
	return State{Roles: cloneSet(t, f.base.Roles)}
}

func targetFile(content string) *metadata.TargetFiles {
	digest := sha256.Sum256([]byte(content))
	return &metadata.TargetFiles{
		Length: int64(len(content)),
		Hashes: metadata.Hashes{"sha256": digest[:]},
	}
}

// delegateRole wires a delegated targets role named name into the targets
// role, keyed to key.
func delegateRole(t *testing.T, targets *roles.Role, name string, key *metadata.Key, paths []string) {
	t.Helper()

	signed := targets.Targets().Signed
	if signed.Delegations == nil {
		signed.Delegations = &metadata.Delegations{Keys: map[string]*metadata.Key{}}
	}
	signed.Delegations.Keys[key.ID()] = key
	signed.Delegations.Roles = append(signed.Delegations.Roles, metadata.DelegatedRole{
		Name:      name,
		KeyIDs:    []string{key.ID()},
		Threshold: 1,
		Paths:     paths,
	})
}

func TestComputeEmpty(t *testing.T) {
	f := newFixture(t)
	event := f.eventState(t)

	cs, err := Compute(f.base, event, signerverifier.VerifierFor)
	require.NoError(t, err)

	assert.True(t, cs.Empty())
	assert.Empty(t, cs.Deltas)
	assert.Nil(t, cs.NewInvites)
	assert.Nil(t, cs.Obligations)
}

func TestComputeRootRotation(t *testing.T) {
	f := newFixture(t)

	t.Run("invite pushed", func(t *testing.T) {
		event := f.eventState(t)
		root := event.Roles.Get(metadata.ROOT)
		root.Root().Signed.Roles[metadata.ROOT].Threshold = 2
		root.AddInvite(metadata.ROOT, "@carol")
		root.SetVersion(2)
		root.SetExpires(testNow.Add(testExpiryDays * 24 * time.Hour))
		root.ClearSignatures()

		cs, err := Compute(f.base, event, signerverifier.VerifierFor)
		require.NoError(t, err)

		require.Len(t, cs.Deltas, 1)
		d := cs.Delta(metadata.ROOT)
		require.NotNil(t, d)
		assert.Equal(t, ContentChanged, d.Kind)
		assert.True(t, d.DelegationChanged)
		assert.False(t, d.VersionOnly)

		assert.Equal(t, map[string][]string{metadata.ROOT: {"@carol"}}, cs.NewInvites)

		require.NotNil(t, d.Status)
		assert.Equal(t, 2, d.Status.Threshold)
		assert.Empty(t, d.SignedBy)
		assert.Equal(t, []string{"@alice"}, d.MissingFrom)

		require.NotNil(t, d.PrevStatus)
		assert.Equal(t, 1, d.PrevStatus.Threshold)

		assert.Equal(t, map[string][]string{metadata.ROOT: {"@alice"}}, cs.Obligations)
	})

	t.Run("invite accepted and signed", func(t *testing.T) {
		carolKey, carolSigner := testSigner(t, "@carol")

		event := f.eventState(t)
		root := event.Roles.Get(metadata.ROOT)
		root.Root().Signed.Roles[metadata.ROOT].Threshold = 2
		require.NoError(t, root.AddKey(carolKey, metadata.ROOT))
		root.SetVersion(2)
		root.SetExpires(testNow.Add(testExpiryDays * 24 * time.Hour))
		root.ClearSignatures()
		require.NoError(t, root.Sign(carolSigner, carolKey.ID()))

		cs, err := Compute(f.base, event, signerverifier.VerifierFor)
		require.NoError(t, err)

		d := cs.Delta(metadata.ROOT)
		require.NotNil(t, d)
		assert.Equal(t, []string{"@carol"}, d.SignedBy)
		assert.Equal(t, []string{"@alice"}, d.MissingFrom)
		assert.False(t, d.Status.Satisfied())

		// The baseline root still wants @alice's signature.
		require.NotNil(t, d.PrevStatus)
		assert.False(t, d.PrevStatus.Satisfied())
		assert.Nil(t, cs.NewInvites)
	})

	t.Run("both key sets satisfied", func(t *testing.T) {
		carolKey, carolSigner := testSigner(t, "@carol")

		event := f.eventState(t)
		root := event.Roles.Get(metadata.ROOT)
		root.Root().Signed.Roles[metadata.ROOT].Threshold = 2
		require.NoError(t, root.AddKey(carolKey, metadata.ROOT))
		root.SetVersion(2)
		root.SetExpires(testNow.Add(testExpiryDays * 24 * time.Hour))
		root.ClearSignatures()
		require.NoError(t, root.Sign(carolSigner, carolKey.ID()))
		require.NoError(t, root.Sign(f.signers["@alice"], f.keys["@alice"].ID()))

		cs, err := Compute(f.base, event, signerverifier.VerifierFor)
		require.NoError(t, err)

		d := cs.Delta(metadata.ROOT)
		require.NotNil(t, d)
		assert.True(t, d.Status.Satisfied())
		assert.True(t, d.PrevStatus.Satisfied())
		assert.Equal(t, []string{"@alice", "@carol"}, d.SignedBy)
		assert.Empty(t, d.MissingFrom)
		assert.Nil(t, cs.Obligations)
	})
}

func TestComputeVersionBump(t *testing.T) {
	f := newFixture(t)

	event := f.eventState(t)
	targets := event.Roles.Get(metadata.TARGETS)
	targets.SetVersion(2)
	targets.SetExpires(testNow.Add(30 * 24 * time.Hour).Add(testExpiryDays * 24 * time.Hour))
	targets.ClearSignatures()

	cs, err := Compute(f.base, event, signerverifier.VerifierFor)
	require.NoError(t, err)

	d := cs.Delta(metadata.TARGETS)
	require.NotNil(t, d)
	assert.Equal(t, ContentChanged, d.Kind)
	assert.True(t, d.VersionOnly)
	assert.True(t, d.ExpiryBumped)
	assert.False(t, d.DelegationChanged)
	assert.False(t, d.SignaturesOnly)
	assert.Equal(t, map[string][]string{metadata.TARGETS: {"@bob"}}, cs.Obligations)
}

func TestComputeSignaturesOnly(t *testing.T) {
	f := newFixture(t)

	// Threshold 1 with two keys, only one signed in the baseline.
	carolKey, carolSigner := testSigner(t, "@carol")
	baseRoot := f.base.Roles.Get(metadata.ROOT)
	require.NoError(t, baseRoot.AddKey(carolKey, metadata.TARGETS))
	baseRoot.ClearSignatures()
	require.NoError(t, baseRoot.Sign(f.signers["@alice"], f.keys["@alice"].ID()))

	event := f.eventState(t)
	targets := event.Roles.Get(metadata.TARGETS)
	require.NoError(t, targets.Sign(carolSigner, carolKey.ID()))

	cs, err := Compute(f.base, event, signerverifier.VerifierFor)
	require.NoError(t, err)

	d := cs.Delta(metadata.TARGETS)
	require.NotNil(t, d)
	assert.Equal(t, ContentChanged, d.Kind)
	assert.True(t, d.SignaturesOnly)
	assert.False(t, d.VersionOnly)
	assert.Equal(t, []string{"@bob", "@carol"}, d.SignedBy)
	assert.Nil(t, cs.Obligations)
}

func TestComputeIllegalOnline(t *testing.T) {
	f := newFixture(t)

	event := f.eventState(t)
	snapshot := roles.NewSnapshot(testNow.Add(24 * time.Hour))
	snapshot.SetVersion(1)
	event.Roles.Add(snapshot)

	cs, err := Compute(f.base, event, signerverifier.VerifierFor)
	require.NoError(t, err)

	assert.Equal(t, []string{metadata.SNAPSHOT}, cs.IllegalOnline)
	assert.False(t, cs.Empty())
	assert.Empty(t, cs.Deltas)
}

func TestComputeRemovedRole(t *testing.T) {
	nginxKey, nginxSigner := testSigner(t, "@dana")

	build := func(t *testing.T) *fixture {
		f := newFixture(t)
		targets := f.base.Roles.Get(metadata.TARGETS)
		delegateRole(t, targets, "nginx", nginxKey, []string{"nginx/*"})
		targets.ClearSignatures()
		require.NoError(t, targets.Sign(f.signers["@bob"], f.keys["@bob"].ID()))

		nginx := roles.NewTargets("nginx", testNow.Add(testExpiryDays*24*time.Hour))
		nginx.SetVersion(1)
		nginx.SetExpiryPeriod(testExpiryDays)
		nginx.SetSigningPeriod(testSigningDays)
		require.NoError(t, nginx.Sign(nginxSigner, nginxKey.ID()))
		f.base.Roles.Add(nginx)
		return f
	}

	t.Run("delegation survives the removal", func(t *testing.T) {
		f := build(t)
		event := f.eventState(t)
		event.Roles.Remove("nginx")

		cs, err := Compute(f.base, event, signerverifier.VerifierFor)
		require.NoError(t, err)

		d := cs.Delta("nginx")
		require.NotNil(t, d)
		assert.Equal(t, Removed, d.Kind)
		assert.Equal(t, []string{"nginx"}, cs.Orphaned)
	})

	t.Run("delegation removed with the role", func(t *testing.T) {
		f := build(t)
		event := f.eventState(t)
		event.Roles.Remove("nginx")
		targets := event.Roles.Get(metadata.TARGETS)
		targets.Targets().Signed.Delegations = nil
		targets.SetVersion(2)
		targets.ClearSignatures()
		require.NoError(t, targets.Sign(f.signers["@bob"], f.keys["@bob"].ID()))

		cs, err := Compute(f.base, event, signerverifier.VerifierFor)
		require.NoError(t, err)

		assert.Empty(t, cs.Orphaned)
		targetsDelta := cs.Delta(metadata.TARGETS)
		require.NotNil(t, targetsDelta)
		assert.True(t, targetsDelta.DelegationChanged)
		require.NotNil(t, cs.Delta("nginx"))
	})
}

func TestComputeTargetListChanges(t *testing.T) {
	f := newFixture(t)
	baseTargets := f.base.Roles.Get(metadata.TARGETS)
	baseTargets.Targets().Signed.Targets = map[string]*metadata.TargetFiles{
		"app/one.txt": targetFile("one"),
		"app/two.txt": targetFile("two"),
	}
	baseTargets.ClearSignatures()
	require.NoError(t, baseTargets.Sign(f.signers["@bob"], f.keys["@bob"].ID()))

	event := f.eventState(t)
	targets := event.Roles.Get(metadata.TARGETS)
	targets.Targets().Signed.Targets = map[string]*metadata.TargetFiles{
		"app/one.txt":   targetFile("one changed"),
		"app/three.txt": targetFile("three"),
	}
	targets.SetVersion(2)
	targets.ClearSignatures()

	cs, err := Compute(f.base, event, signerverifier.VerifierFor)
	require.NoError(t, err)

	d := cs.Delta(metadata.TARGETS)
	require.NotNil(t, d)
	assert.Equal(t, []string{"app/three.txt"}, d.Targets.Added)
	assert.Equal(t, []string{"app/two.txt"}, d.Targets.Removed)
	assert.Equal(t, []string{"app/one.txt"}, d.Targets.Modified)
	assert.False(t, d.VersionOnly)
}

func TestComputeEvaluationOrder(t *testing.T) {
	nginxKey, _ := testSigner(t, "@dana")

	f := newFixture(t)
	targets := f.base.Roles.Get(metadata.TARGETS)
	delegateRole(t, targets, "nginx", nginxKey, []string{"nginx/*"})
	targets.ClearSignatures()
	require.NoError(t, targets.Sign(f.signers["@bob"], f.keys["@bob"].ID()))

	nginx := roles.NewTargets("nginx", testNow.Add(testExpiryDays*24*time.Hour))
	nginx.SetVersion(1)
	nginx.SetExpiryPeriod(testExpiryDays)
	f.base.Roles.Add(nginx)

	// Touch every offline role.
	event := f.eventState(t)
	for _, name := range []string{"nginx", metadata.TARGETS, metadata.ROOT} {
		role := event.Roles.Get(name)
		role.SetVersion(role.Version() + 1)
		role.ClearSignatures()
	}

	cs, err := Compute(f.base, event, signerverifier.VerifierFor)
	require.NoError(t, err)

	var order []string
	for _, d := range cs.Deltas {
		order = append(order, d.Name)
	}
	assert.Equal(t, []string{metadata.ROOT, metadata.TARGETS, "nginx"}, order)
}

func TestOwningRole(t *testing.T) {
	nginxKey, _ := testSigner(t, "@dana")
	monitoringKey, _ := testSigner(t, "@erin")

	f := newFixture(t)
	targets := f.base.Roles.Get(metadata.TARGETS)
	delegateRole(t, targets, "nginx", nginxKey, []string{"nginx/*"})
	delegateRole(t, targets, "monitoring", monitoringKey, []string{"monitoring/*", "grafana/*"})

	tests := []struct {
		path string
		want string
	}{
		{"nginx/nginx.conf", "nginx"},
		{"monitoring/alerts.yml", "monitoring"},
		{"grafana/dashboard.json", "monitoring"},
		{"README.md", metadata.TARGETS},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, OwningRole(f.base.Roles, test.path), test.path)
	}
}
