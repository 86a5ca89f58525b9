// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/repository-playground/playground/internal/roles"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// OfflineConfig reads the current configuration of an offline role. Signers
// lists open invitees first, then the owners of bound keys.
func (w *Workbench) OfflineConfig(name string) (OfflineConfig, error) {
	delegator := w.set.Delegator(name)
	if delegator == nil {
		return OfflineConfig{}, fmt.Errorf("%w: no delegator for %s", roles.ErrUnknownRole, name)
	}
	delegation, err := roles.RoleDelegation(delegator, name)
	if err != nil {
		return OfflineConfig{}, err
	}

	signers := slices.Clone(delegator.Invites()[name])
	signers = append(signers, delegation.Owners()...)

	expiry, err := w.set.ExpiryPeriod(name)
	if err != nil {
		return OfflineConfig{}, err
	}
	signing, err := w.set.SigningPeriod(name)
	if err != nil {
		return OfflineConfig{}, err
	}
	return OfflineConfig{
		Signers:     signers,
		Threshold:   delegation.Threshold,
		ExpiryDays:  expiry,
		SigningDays: signing,
	}, nil
}

// SetOfflineConfig applies an offline role configuration: it creates the
// delegation when needed, revokes keys of removed signers, binds the user's
// own key, records invitations for signers without keys, and updates the
// threshold and expiry policy. Edited roles go out through the usual
// signing-event write. Returns whether anything changed.
//
// signingKey is the user's public key. It is bound only when the
// configuration names the user as a signer and they have no key on the
// delegation yet, so a bootstrap or invitation acceptance resolves itself.
func (w *Workbench) SetOfflineConfig(ctx context.Context, name string, cfg OfflineConfig, signingKey *metadata.Key) (bool, error) {
	if roles.IsOnline(name) {
		return false, fmt.Errorf("%w: %s is maintained by the repository", roles.ErrInvariantViolation, name)
	}

	delegatorName := roles.DelegatorName(name)
	delegator := w.set.Get(delegatorName)
	changed := false

	if delegator == nil {
		if name != metadata.ROOT {
			return false, fmt.Errorf("%w: %s", roles.ErrUnknownRole, delegatorName)
		}
		delegator = roles.NewRoot(w.clock.Now().UTC())
		w.set.Add(delegator)
		changed = true
	}

	if _, err := roles.RoleDelegation(delegator, name); err != nil {
		if !errors.Is(err, roles.ErrUnknownRole) {
			return false, err
		}
		targets := delegator.Targets()
		if targets == nil {
			return false, fmt.Errorf("%w: %s cannot delegate to %s", roles.ErrInvariantViolation, delegatorName, name)
		}
		if targets.Signed.Delegations == nil {
			targets.Signed.Delegations = &metadata.Delegations{Keys: map[string]*metadata.Key{}}
		}
		targets.Signed.Delegations.Roles = append(targets.Signed.Delegations.Roles, metadata.DelegatedRole{
			Name:        name,
			KeyIDs:      []string{},
			Threshold:   1,
			Terminating: true,
			Paths:       []string{name + "/*"},
		})
		changed = true
	}

	delegation, err := roles.RoleDelegation(delegator, name)
	if err != nil {
		return false, err
	}
	for _, keyID := range delegation.KeyIDs {
		owner := roles.Keyowner(delegation.Keys[keyID])
		if owner != "" && !slices.Contains(cfg.Signers, owner) {
			if err := delegator.RevokeKey(keyID, name); err != nil {
				return false, err
			}
			changed = true
		}
	}

	delegation, err = roles.RoleDelegation(delegator, name)
	if err != nil {
		return false, err
	}
	var toInvite []string
	for _, signer := range cfg.Signers {
		if _, ok := delegation.KeyForOwner(signer); !ok {
			toInvite = append(toInvite, signer)
		}
	}

	if signingKey != nil && slices.Contains(toInvite, w.user.Name) {
		roles.SetKeyowner(signingKey, w.user.Name)
		if err := delegator.AddKey(signingKey, name); err != nil {
			return false, err
		}
		toInvite = slices.DeleteFunc(toInvite, func(owner string) bool { return owner == w.user.Name })
		changed = true
	}

	sort.Strings(toInvite)
	invites := delegator.Invites()
	if !slices.Equal(invites[name], toInvite) {
		if len(toInvite) == 0 {
			delete(invites, name)
		} else {
			invites[name] = toInvite
		}
		delegator.SetInvites(invites)
		changed = true
	}

	if root := delegator.Root(); root != nil {
		entry := root.Signed.Roles[name]
		if entry.Threshold != cfg.Threshold {
			entry.Threshold = cfg.Threshold
			changed = true
		}
	} else {
		delegations := delegator.Targets().Signed.Delegations
		for i := range delegations.Roles {
			if delegations.Roles[i].Name == name && delegations.Roles[i].Threshold != cfg.Threshold {
				delegations.Roles[i].Threshold = cfg.Threshold
				changed = true
			}
		}
	}

	role := w.set.Get(name)
	roleChanged := false
	if role == nil {
		role = roles.NewTargets(name, w.clock.Now().UTC())
		w.set.Add(role)
		roleChanged = true
	}
	if days, err := w.set.ExpiryPeriod(name); err != nil || days != cfg.ExpiryDays {
		role.SetExpiryPeriod(cfg.ExpiryDays)
		roleChanged = true
	}
	if days, err := w.set.SigningPeriod(name); err != nil || days != cfg.SigningDays {
		role.SetSigningPeriod(cfg.SigningDays)
		roleChanged = true
	}

	// Root delegates itself, so both halves of the edit land in one write.
	if name == metadata.ROOT {
		if changed || roleChanged {
			if err := w.finishRole(ctx, role); err != nil {
				return false, err
			}
		}
	} else {
		if changed {
			if err := w.finishRole(ctx, delegator); err != nil {
				return false, err
			}
		}
		if roleChanged {
			if err := w.finishRole(ctx, role); err != nil {
				return false, err
			}
		}
	}

	if err := w.syncSidecar(); err != nil {
		return false, err
	}
	if err := w.refresh(); err != nil {
		return false, err
	}
	return changed || roleChanged, nil
}

// AcceptInvite binds the user's key to a role they were invited to and signs
// the role. Root is not signed here: binding rewrites root itself, so the
// configuration write already carries the user's signature.
func (w *Workbench) AcceptInvite(ctx context.Context, name string, signingKey *metadata.Key) error {
	cfg, err := w.OfflineConfig(name)
	if err != nil {
		return err
	}
	if _, err := w.SetOfflineConfig(ctx, name, cfg, signingKey); err != nil {
		return err
	}
	if name == metadata.ROOT {
		return nil
	}
	return w.SignRole(ctx, name)
}

// Initialize bootstraps an empty repository: root and targets under the
// given offline configurations, snapshot and timestamp under the online key.
func (w *Workbench) Initialize(ctx context.Context, rootCfg, targetsCfg OfflineConfig, onlineCfg OnlineConfig, signingKey *metadata.Key) error {
	if w.state != Uninitialized {
		return fmt.Errorf("%w: repository already has a root", roles.ErrInvariantViolation)
	}
	if onlineCfg.Key == nil {
		return fmt.Errorf("%w: online configuration has no key", roles.ErrInvariantViolation)
	}

	if _, err := w.SetOfflineConfig(ctx, metadata.ROOT, rootCfg, signingKey); err != nil {
		return err
	}
	if _, err := w.SetOfflineConfig(ctx, metadata.TARGETS, targetsCfg, signingKey); err != nil {
		return err
	}
	_, err := w.SetOnlineConfig(ctx, onlineCfg)
	return err
}

// OnlineConfig reads the online role configuration from root. Missing expiry
// periods fall back to the defaults.
func (w *Workbench) OnlineConfig() (OnlineConfig, error) {
	delegation, err := w.set.Delegation(metadata.TIMESTAMP)
	if err != nil {
		return OnlineConfig{}, err
	}
	if len(delegation.KeyIDs) == 0 {
		return OnlineConfig{}, fmt.Errorf("%w: timestamp has no online key", roles.ErrMalformedMetadata)
	}

	cfg := DefaultOnlineConfig()
	cfg.Key = delegation.Keys[delegation.KeyIDs[0]]
	if days, err := w.set.ExpiryPeriod(metadata.TIMESTAMP); err == nil {
		cfg.TimestampExpiry = days
	}
	if days, err := w.set.ExpiryPeriod(metadata.SNAPSHOT); err == nil {
		cfg.SnapshotExpiry = days
	}
	return cfg, nil
}

// SetOnlineConfig points snapshot and timestamp at the configured online key
// and records their expiry periods on root's role entries. Returns whether
// root changed.
func (w *Workbench) SetOnlineConfig(ctx context.Context, cfg OnlineConfig) (bool, error) {
	if cfg.Key == nil {
		return false, fmt.Errorf("%w: online configuration has no key", roles.ErrInvariantViolation)
	}
	rootRole := w.set.Get(metadata.ROOT)
	if rootRole == nil {
		return false, fmt.Errorf("%w: root", roles.ErrUnknownRole)
	}

	changed := false
	periods := map[string]int{
		metadata.TIMESTAMP: cfg.TimestampExpiry,
		metadata.SNAPSHOT:  cfg.SnapshotExpiry,
	}
	for _, name := range []string{metadata.TIMESTAMP, metadata.SNAPSHOT} {
		entry := rootRole.Root().Signed.Roles[name]
		if entry == nil {
			return false, fmt.Errorf("%w: root does not delegate to %s", roles.ErrMalformedMetadata, name)
		}
		for _, keyID := range slices.Clone(entry.KeyIDs) {
			if keyID != cfg.Key.ID() {
				if err := rootRole.RevokeKey(keyID, name); err != nil {
					return false, err
				}
				changed = true
			}
		}
		if !slices.Contains(entry.KeyIDs, cfg.Key.ID()) {
			if err := rootRole.AddKey(cfg.Key, name); err != nil {
				return false, err
			}
			changed = true
		}
		if days, err := w.set.ExpiryPeriod(name); err != nil || days != periods[name] {
			if err := rootRole.SetOnlineExpiryPeriod(name, periods[name]); err != nil {
				return false, err
			}
			changed = true
		}
	}

	if changed {
		if err := w.finishRole(ctx, rootRole); err != nil {
			return false, err
		}
		if err := w.refresh(); err != nil {
			return false, err
		}
	}
	return changed, nil
}
