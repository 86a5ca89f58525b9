// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// inviteCarol adds @carol as a second root signer with a threshold of two,
// acting as @alice.
func inviteCarol(t *testing.T, e *testEvent, baseline *roles.Set) {
	t.Helper()

	w := e.bench(t, "@alice", baseline)
	cfg, err := w.OfflineConfig(metadata.ROOT)
	require.NoError(t, err)
	cfg.Signers = append(cfg.Signers, "@carol")
	cfg.Threshold = 2

	changed, err := w.SetOfflineConfig(context.Background(), metadata.ROOT, cfg, nil)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestInviteFlow(t *testing.T) {
	e := newTestEvent(t)
	baseline := e.bootstrap(t)
	aliceKey := e.keys["@alice"]

	inviteCarol(t, e, baseline)

	w := e.bench(t, "@alice", baseline)
	root := w.Roles().Get(metadata.ROOT)
	assert.Equal(t, int64(2), root.Version())
	assert.Equal(t, map[string][]string{metadata.ROOT: {"@carol"}}, root.Invites())

	// While the invitation is open the user's own signature stays a
	// placeholder: accepting will rewrite root and void it.
	sig, ok := root.Signature(aliceKey.ID())
	require.True(t, ok)
	assert.Empty(t, sig.Signature)
	assert.Equal(t, SignatureNeeded, w.State())
	assert.Equal(t, []string{metadata.ROOT}, w.Unsigned())

	data, err := os.ReadFile(filepath.Join(e.repo.MetadataDir(), SidecarName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"invites": {"@carol": ["root"]}}`, string(data))

	e.signer(t, "@carol")
	carol := e.bench(t, "@carol", baseline)
	assert.Equal(t, Invited, carol.State())
	assert.Equal(t, []string{metadata.ROOT}, carol.InvitedRoles())
	assert.Equal(t, map[string][]string{"@carol": {metadata.ROOT}}, carol.Invites())
}

func TestAcceptInvite(t *testing.T) {
	e := newTestEvent(t)
	ctx := context.Background()
	baseline := e.bootstrap(t)

	inviteCarol(t, e, baseline)

	carolKey := e.signer(t, "@carol")
	carol := e.bench(t, "@carol", baseline)
	require.Equal(t, Invited, carol.State())
	require.NoError(t, carol.AcceptInvite(ctx, metadata.ROOT, carolKey))

	root := carol.Roles().Get(metadata.ROOT)
	assert.Equal(t, int64(2), root.Version())
	assert.Empty(t, root.Invites())

	delegation, err := carol.Roles().Delegation(metadata.ROOT)
	require.NoError(t, err)
	keyID, ok := delegation.KeyForOwner("@carol")
	require.True(t, ok)
	assert.Equal(t, carolKey.ID(), keyID)

	_, err = os.Stat(filepath.Join(e.repo.MetadataDir(), SidecarName))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Accepting bound the key and signed in one go.
	status, err := roles.VerifyAgainstDelegator(root, root, signerverifier.VerifierFor)
	require.NoError(t, err)
	assert.Contains(t, status.Valid, carolKey.ID())
	assert.Equal(t, NoAction, carol.State())

	// The inviter still owes their signature over the new payload.
	alice := e.bench(t, "@alice", baseline)
	require.Equal(t, SignatureNeeded, alice.State())
	require.Equal(t, []string{metadata.ROOT}, alice.Unsigned())
	require.NoError(t, alice.SignRole(ctx, metadata.ROOT))

	root = alice.Roles().Get(metadata.ROOT)
	status, err = roles.VerifyAgainstDelegator(root, root, signerverifier.VerifierFor)
	require.NoError(t, err)
	assert.True(t, status.Satisfied())
	assert.Equal(t, NoAction, alice.State())
}

func TestDelegateNewRole(t *testing.T) {
	e := newTestEvent(t)
	ctx := context.Background()
	baseline := e.bootstrap(t)
	aliceKey := e.keys["@alice"]

	w := e.bench(t, "@alice", baseline)
	cfg := OfflineConfig{Signers: []string{"@bob"}, Threshold: 1, ExpiryDays: 180, SigningDays: 30}
	changed, err := w.SetOfflineConfig(ctx, "nginx", cfg, nil)
	require.NoError(t, err)
	require.True(t, changed)

	set := w.Roles()
	targets := set.Get(metadata.TARGETS)
	assert.Equal(t, int64(2), targets.Version())
	assert.Equal(t, map[string][]string{"nginx": {"@bob"}}, targets.Invites())

	entry := targets.Targets().Signed.Delegations.Roles[0]
	assert.Equal(t, "nginx", entry.Name)
	assert.True(t, entry.Terminating)
	assert.Equal(t, []string{"nginx/*"}, entry.Paths)
	assert.Equal(t, 1, entry.Threshold)

	// The delegation change makes targets the user's to sign again, but the
	// open invitation holds the signature back.
	sig, ok := targets.Signature(aliceKey.ID())
	require.True(t, ok)
	assert.Empty(t, sig.Signature)

	nginx := set.Get("nginx")
	require.NotNil(t, nginx)
	assert.Equal(t, int64(1), nginx.Version())
	assert.Empty(t, nginx.Signatures())
	days, err := set.ExpiryPeriod("nginx")
	require.NoError(t, err)
	assert.Equal(t, 180, days)

	bobKey := e.signer(t, "@bob")
	bob := e.bench(t, "@bob", baseline)
	require.Equal(t, Invited, bob.State())
	require.Equal(t, []string{"nginx"}, bob.InvitedRoles())
	require.NoError(t, bob.AcceptInvite(ctx, "nginx", bobKey))

	set = bob.Roles()
	targets = set.Get(metadata.TARGETS)
	assert.Equal(t, int64(2), targets.Version())
	assert.Empty(t, targets.Invites())

	status, err := roles.VerifyAgainstDelegator(targets, set.Get("nginx"), signerverifier.VerifierFor)
	require.NoError(t, err)
	assert.True(t, status.Satisfied())

	// With the invitation resolved, the delegating role gets its real
	// signature back through the usual flow.
	alice := e.bench(t, "@alice", baseline)
	require.Equal(t, SignatureNeeded, alice.State())
	assert.Equal(t, []string{metadata.TARGETS}, alice.Unsigned())
	require.NoError(t, alice.SignRole(ctx, metadata.TARGETS))

	set = alice.Roles()
	status, err = roles.VerifyAgainstDelegator(set.Get(metadata.ROOT), set.Get(metadata.TARGETS), signerverifier.VerifierFor)
	require.NoError(t, err)
	assert.True(t, status.Satisfied())
}
