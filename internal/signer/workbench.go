// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/repository-playground/playground/internal/config"
	"github.com/repository-playground/playground/internal/repository"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/repository-playground/playground/internal/signerverifier/sigstore"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

var ErrNoSigningKey = errors.New("no signing key for user")

// SecretFunc prompts the signer for a named secret, such as a token PIN.
type SecretFunc func(name string) (string, error)

// SignerResolver opens a signer for one of the user's public keys.
type SignerResolver func(ctx context.Context, key *metadata.Key) (signature.Signer, error)

// Workbench exposes a checked-out signing event to its signer. It reads the
// working tree against the baseline the event branched from, works out what
// the event still needs from this signer, and applies their edits.
//
// Workbench edits only ever touch the working tree; committing and pushing
// stay with the caller.
type Workbench struct {
	repo     *repository.Repository
	baseline *roles.Set
	user     *config.User

	clock       clockwork.Clock
	verifierFor roles.VerifierFunc
	signerFor   SignerResolver
	secret      SecretFunc

	set      *roles.Set
	invites  map[string][]string
	changes  []TargetChange
	unsigned []string
	state    State

	signers map[string]signature.Signer
}

type Option func(*Workbench)

// WithClock replaces the wall clock, primarily for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(w *Workbench) { w.clock = clock }
}

// WithSecretFunc supplies the prompt used when a signing backend needs a
// secret from the user.
func WithSecretFunc(fn SecretFunc) Option {
	return func(w *Workbench) { w.secret = fn }
}

// WithSignerResolver replaces how signers are opened for the user's keys.
func WithSignerResolver(fn SignerResolver) Option {
	return func(w *Workbench) { w.signerFor = fn }
}

// WithVerifier replaces signature verification.
func WithVerifier(fn roles.VerifierFunc) Option {
	return func(w *Workbench) { w.verifierFor = fn }
}

// New builds the workbench for the signing event checked out in repo's
// working tree. baseline is the role set at the event's merge base with the
// published branch; it is empty when the event bootstraps the repository.
func New(repo *repository.Repository, baseline *roles.Set, user *config.User, opts ...Option) (*Workbench, error) {
	w := &Workbench{
		repo:        repo,
		baseline:    baseline,
		user:        user,
		clock:       clockwork.NewRealClock(),
		verifierFor: signerverifier.VerifierFor,
		signers:     map[string]signature.Signer{},
	}
	w.signerFor = w.resolveSigner
	for _, fn := range opts {
		fn(w)
	}

	if err := w.refresh(); err != nil {
		return nil, err
	}
	return w, nil
}

// refresh re-reads the working tree and recomputes the signer's state.
func (w *Workbench) refresh() error {
	set, err := w.repo.LoadSet()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		set = roles.NewSet()
	case err != nil:
		return err
	}
	w.set = set
	w.invites = invitesByOwner(set.OpenInvites())

	w.changes = nil
	w.unsigned = nil
	if !w.set.Has(metadata.ROOT) {
		w.state = Uninitialized
		return nil
	}

	w.changes, err = w.scanTargets()
	if err != nil {
		return err
	}

	invitedRoles := w.set.InvitedRoles(w.user.Name)
	for _, name := range w.changedRoles() {
		needed, err := w.userSignatureNeeded(name)
		if err != nil {
			return err
		}
		if needed && !slices.Contains(invitedRoles, name) {
			w.unsigned = append(w.unsigned, name)
		}
	}

	switch {
	case len(invitedRoles) > 0:
		w.state = Invited
	case len(w.changes) > 0:
		w.state = TargetsChanged
	case len(w.unsigned) > 0:
		w.state = SignatureNeeded
	default:
		w.state = NoAction
	}
	slog.Debug(fmt.Sprintf("Signing event state for %s: %s", w.user.Name, w.state))
	return nil
}

// State reports what the signing event expects from this signer.
func (w *Workbench) State() State { return w.state }

// Roles returns the event's current role set.
func (w *Workbench) Roles() *roles.Set { return w.set }

// InvitedRoles returns the roles this signer has open invitations for.
func (w *Workbench) InvitedRoles() []string {
	return w.set.InvitedRoles(w.user.Name)
}

// Invites returns all open invitations, keyed by the invited signer.
func (w *Workbench) Invites() map[string][]string {
	return w.invites
}

// Unsigned returns the changed roles still missing this signer's signature.
func (w *Workbench) Unsigned() []string {
	return slices.Clone(w.unsigned)
}

// TargetChanges returns the pending differences between target files on disk
// and the role listings.
func (w *Workbench) TargetChanges() []TargetChange {
	return slices.Clone(w.changes)
}

// changedRoles returns the roles whose serialized form differs from the
// baseline, in evaluation order.
func (w *Workbench) changedRoles() []string {
	var changed []string
	for _, name := range w.set.Names() {
		role := w.set.Get(name)
		prev := w.baseline.Get(name)
		if prev == nil {
			changed = append(changed, name)
			continue
		}
		data, err := role.ToBytes()
		if err != nil {
			changed = append(changed, name)
			continue
		}
		prevData, err := prev.ToBytes()
		if err != nil || !slices.Equal(data, prevData) {
			changed = append(changed, name)
		}
	}
	return changed
}

// userSignatureNeeded reports whether the role's current payload lacks a
// valid signature from this signer.
func (w *Workbench) userSignatureNeeded(name string) (bool, error) {
	delegator := w.set.Delegator(name)
	if delegator == nil {
		return false, nil
	}
	delegation, err := roles.RoleDelegation(delegator, name)
	if err != nil {
		return false, err
	}
	keyID, ok := delegation.KeyForOwner(w.user.Name)
	if !ok {
		return false, nil
	}

	status, err := roles.VerifyAgainstDelegator(delegator, w.set.Get(name), w.verifierFor)
	if err != nil {
		return false, err
	}
	return !slices.Contains(status.Valid, keyID), nil
}

// SignRole replaces this signer's placeholder on the named role with a real
// signature.
func (w *Workbench) SignRole(ctx context.Context, name string) error {
	role := w.set.Get(name)
	if role == nil {
		return fmt.Errorf("%w: %s", roles.ErrUnknownRole, name)
	}
	delegation, err := w.set.Delegation(name)
	if err != nil {
		return err
	}
	keyID, ok := delegation.KeyForOwner(w.user.Name)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrNoSigningKey, w.user.Name, name)
	}

	signer, err := w.signerFor(ctx, delegation.Keys[keyID])
	if err != nil {
		return err
	}
	if err := signerverifier.SignRole(ctx, role, signer, keyID); err != nil {
		return err
	}
	if err := w.repo.WriteRole(role, repository.PartialEvent()); err != nil {
		return err
	}
	return w.refresh()
}

// Status summarizes the named role's progress within the signing event.
func (w *Workbench) Status(name string) string {
	role := w.set.Get(name)
	if role == nil {
		return fmt.Sprintf("%s is not part of this signing event", name)
	}
	baseVersion := int64(0)
	if prev := w.baseline.Get(name); prev != nil {
		baseVersion = prev.Version()
	}

	delegator := w.set.Delegator(name)
	if delegator == nil {
		return fmt.Sprintf("%s v%d (baseline v%d)", name, role.Version(), baseVersion)
	}
	status, err := roles.VerifyAgainstDelegator(delegator, role, w.verifierFor)
	if err != nil {
		return fmt.Sprintf("%s v%d (baseline v%d)", name, role.Version(), baseVersion)
	}
	return fmt.Sprintf("%s v%d (baseline v%d): signed by %d of %d required keys",
		name, role.Version(), baseVersion, len(status.Valid), status.Threshold)
}

// finishRole serializes an edited role into the working tree the way every
// signing-event write goes out: version advanced exactly once past the
// baseline, expiry moved by the role's declared period, placeholders for
// every expected signature, and the user's own real signature when nothing
// blocks it.
func (w *Workbench) finishRole(ctx context.Context, role *roles.Role) error {
	w.set.Add(role)

	baseVersion := int64(0)
	if prev := w.baseline.Get(role.Name()); prev != nil {
		baseVersion = prev.Version()
	}
	role.SetVersion(baseVersion + 1)

	days, err := w.set.ExpiryPeriod(role.Name())
	if err != nil {
		return err
	}
	role.SetExpires(w.clock.Now().UTC().Add(time.Duration(days) * 24 * time.Hour))

	delegator := w.set.Delegator(role.Name())
	if delegator == nil {
		return fmt.Errorf("%w: no delegator for %s", roles.ErrUnknownRole, role.Name())
	}
	delegation, err := roles.RoleDelegation(delegator, role.Name())
	if err != nil {
		return err
	}
	roles.PlaceholderSignatures(role, delegation)

	// While invitations to this role's delegations are open, leave only the
	// placeholder: accepting an invitation rewrites the payload and would
	// void the signature.
	if len(role.Invites()) == 0 {
		if keyID, ok := delegation.KeyForOwner(w.user.Name); ok {
			signer, err := w.signerFor(ctx, delegation.Keys[keyID])
			if err != nil {
				return err
			}
			if err := signerverifier.SignRole(ctx, role, signer, keyID); err != nil {
				return err
			}
		}
	} else {
		slog.Debug(fmt.Sprintf("Leaving %s unsigned: open invitations", role.Name()))
	}

	return w.repo.WriteRole(role, repository.PartialEvent())
}

// resolveSigner opens a signer for one of the user's keys: a configured URI
// wins, sigstore keys sign keyless, and anything else is assumed to sit on
// hardware.
func (w *Workbench) resolveSigner(ctx context.Context, key *metadata.Key) (signature.Signer, error) {
	if signer, ok := w.signers[key.ID()]; ok {
		return signer, nil
	}

	uri := w.user.SignerURI(key.ID())
	if uri == "" {
		if sigstore.IsKey(key) {
			uri = "sigstore:?ambient=false"
		} else {
			uri = "hsm:"
		}
	}

	opts := &signerverifier.Options{
		PKCS11Module: w.user.PKCS11ModulePath(),
		SecretFunc:   w.secret,
	}

	signer, err := signerverifier.SignerFor(ctx, uri, key, opts)
	if err != nil {
		return nil, err
	}
	w.signers[key.ID()] = signer
	return signer, nil
}
