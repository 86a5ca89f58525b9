// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

const signBranchPrefix = "sign/"

// OnlineUpdate reports the role versions written by one engine run. A zero
// version means the role was left untouched.
type OnlineUpdate struct {
	SnapshotVersion  int64
	TimestampVersion int64
}

// Changed reports whether the run wrote anything.
func (u OnlineUpdate) Changed() bool {
	return u.SnapshotVersion != 0 || u.TimestampVersion != 0
}

// Paths returns the git pathspecs of the files the run wrote.
func (u OnlineUpdate) Paths() []string {
	var paths []string
	if u.SnapshotVersion != 0 {
		paths = append(paths, RoleGitPath(metadata.SNAPSHOT))
	}
	if u.TimestampVersion != 0 {
		paths = append(paths, RoleGitPath(metadata.TIMESTAMP))
	}
	return paths
}

// Summary describes the run for a commit message body.
func (u OnlineUpdate) Summary() string {
	if u.SnapshotVersion != 0 {
		return fmt.Sprintf("snapshot v%d, timestamp v%d.", u.SnapshotVersion, u.TimestampVersion)
	}
	return fmt.Sprintf("timestamp v%d.", u.TimestampVersion)
}

// Snapshot brings the snapshot meta in line with the targets metadata
// currently on disk and refreshes the timestamp to match. Roles that change
// get a new signed version; re-running against an unchanged working tree is
// a no-op.
func (r *Repository) Snapshot(ctx context.Context) (OnlineUpdate, error) {
	set, err := r.LoadSet()
	if err != nil {
		return OnlineUpdate{}, err
	}
	now := r.clock.Now()
	ensureOnline(set, now)

	var update OnlineUpdate
	var pending []*roles.Role

	changed, err := refreshSnapshotMeta(set)
	if err != nil {
		return OnlineUpdate{}, err
	}
	if changed {
		snapshot := set.Get(metadata.SNAPSHOT)
		if err := r.closeRole(ctx, set, snapshot, now); err != nil {
			return OnlineUpdate{}, err
		}
		update.SnapshotVersion = snapshot.Version()
		pending = append(pending, snapshot)
		slog.Debug(fmt.Sprintf("Updated snapshot to v%d", update.SnapshotVersion))
	}

	update.TimestampVersion, err = r.refreshTimestamp(ctx, set, now)
	if err != nil {
		return OnlineUpdate{}, err
	}
	if update.TimestampVersion != 0 {
		pending = append(pending, set.Get(metadata.TIMESTAMP))
	}

	return update, r.flush(ctx, pending)
}

// BumpOnline produces new online role versions when their signing window has
// opened. A snapshot bump refreshes the timestamp through its snapshot
// pointer; otherwise the timestamp runs on its own schedule.
func (r *Repository) BumpOnline(ctx context.Context) (OnlineUpdate, error) {
	set, err := r.LoadSet()
	if err != nil {
		return OnlineUpdate{}, err
	}
	now := r.clock.Now()
	ensureOnline(set, now)

	var update OnlineUpdate
	var pending []*roles.Role

	due, err := dueForBump(set, metadata.SNAPSHOT, now)
	if err != nil {
		return OnlineUpdate{}, err
	}
	if due {
		snapshot := set.Get(metadata.SNAPSHOT)
		if err := r.closeRole(ctx, set, snapshot, now); err != nil {
			return OnlineUpdate{}, err
		}
		update.SnapshotVersion = snapshot.Version()
		pending = append(pending, snapshot)
		slog.Debug(fmt.Sprintf("Bumped snapshot to v%d", update.SnapshotVersion))
	}

	update.TimestampVersion, err = r.refreshTimestamp(ctx, set, now)
	if err != nil {
		return OnlineUpdate{}, err
	}
	if update.TimestampVersion != 0 {
		pending = append(pending, set.Get(metadata.TIMESTAMP))
	}

	return update, r.flush(ctx, pending)
}

// BumpOffline opens a signing event for every offline role whose signing
// window has opened. Each bump is committed on its own event branch named
// sign/<role>-bump-<version> and the checked-out branch is reset afterwards,
// so the working tree ends up exactly where it started. Existing event
// branches, local or remote-tracking, are left alone. Returns the names of
// the events it opened.
func (r *Repository) BumpOffline(ctx context.Context, push bool) ([]string, error) {
	set, err := r.LoadSet()
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()

	var events []string
	for _, name := range set.OfflineNames() {
		due, err := dueForBump(set, name, now)
		if err != nil {
			return events, err
		}
		if !due {
			continue
		}
		if err := ctx.Err(); err != nil {
			return events, err
		}

		role := set.Get(name)
		if err := r.closeRole(ctx, set, role, now); err != nil {
			return events, err
		}
		if err := r.WriteRole(role, PartialEvent()); err != nil {
			return events, err
		}

		version := role.Version()
		paths := []string{RoleGitPath(name)}
		if name == metadata.ROOT {
			paths = append(paths, rootHistoryGitPath(version))
		}
		message := fmt.Sprintf("Periodic version bump: %s v%d", name, version)
		if _, err := r.git.CommitWithIdentity(BotName, BotEmail, paths, message); err != nil {
			return events, err
		}

		event := fmt.Sprintf("%s%s-bump-%d", signBranchPrefix, name, version)
		switch {
		case r.git.HasBranch(event) || r.git.HasRemoteTrackingBranch(gitinterface.DefaultRemoteName, event):
			slog.Debug(fmt.Sprintf("Signing event %s already exists", event))
		case push:
			refSpec := fmt.Sprintf("HEAD:%s", gitinterface.BranchReferenceName(event))
			if err := r.git.Push(gitinterface.DefaultRemoteName, refSpec); err != nil {
				return events, err
			}
			events = append(events, event)
		default:
			if err := r.git.CreateBranch(event); err != nil {
				return events, err
			}
			events = append(events, event)
		}

		if err := r.git.ResetHard("HEAD^"); err != nil {
			return events, err
		}
	}
	return events, nil
}

// closeRole finalizes a new version of role: version+1, expiry moved out by
// the role's expiry period, signatures redone from scratch. Online roles are
// signed with their online keys and must meet their threshold; offline roles
// get one placeholder signature per delegated key so the outstanding signing
// obligations are visible in the file.
func (r *Repository) closeRole(ctx context.Context, set *roles.Set, role *roles.Role, now time.Time) error {
	name := role.Name()
	role.SetVersion(role.Version() + 1)

	days, err := set.ExpiryPeriod(name)
	if err != nil {
		return err
	}
	role.SetExpires(now.Add(time.Duration(days) * 24 * time.Hour))

	delegation, err := set.Delegation(name)
	if err != nil {
		return err
	}

	role.ClearSignatures()
	if !roles.IsOnline(name) {
		roles.PlaceholderSignatures(role, delegation)
		return nil
	}

	for _, keyID := range delegation.KeyIDs {
		signer, err := r.onlineSigner(ctx, delegation.Keys[keyID])
		if err != nil {
			return err
		}
		if err := signerverifier.SignRole(ctx, role, signer, keyID); err != nil {
			return err
		}
	}

	// The repository never writes unsigned online roles.
	status, err := roles.VerifyAgainstDelegator(set.Get(metadata.ROOT), role, signerverifier.VerifierFor)
	if err != nil {
		return err
	}
	if !status.Satisfied() {
		return fmt.Errorf("%w: %s v%d is signed by %d of %d required keys",
			roles.ErrSignatureRejected, name, role.Version(), len(status.Valid), status.Threshold)
	}
	return nil
}

// refreshTimestamp closes a new timestamp version when the snapshot pointer
// moved or, failing that, when the timestamp's own signing window has
// opened. Returns the new version, or zero.
func (r *Repository) refreshTimestamp(ctx context.Context, set *roles.Set, now time.Time) (int64, error) {
	due := refreshTimestampMeta(set)
	if !due {
		var err error
		due, err = dueForBump(set, metadata.TIMESTAMP, now)
		if err != nil {
			return 0, err
		}
	}
	if !due {
		return 0, nil
	}

	timestamp := set.Get(metadata.TIMESTAMP)
	if err := r.closeRole(ctx, set, timestamp, now); err != nil {
		return 0, err
	}
	slog.Debug(fmt.Sprintf("Updated timestamp to v%d", timestamp.Version()))
	return timestamp.Version(), nil
}

// flush writes the batch of closed roles. Nothing is written when ctx is
// already cancelled, so an aborted run leaves the working tree untouched.
func (r *Repository) flush(ctx context.Context, pending []*roles.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, role := range pending {
		if err := r.WriteRole(role, PartialEvent()); err != nil {
			return err
		}
	}
	return nil
}

// ensureOnline adds fresh version-0 online roles to set when the working
// tree does not have them yet, so the first close bumps them to version 1.
func ensureOnline(set *roles.Set, now time.Time) {
	if !set.Has(metadata.SNAPSHOT) {
		set.Add(roles.NewSnapshot(now))
	}
	if !set.Has(metadata.TIMESTAMP) {
		set.Add(roles.NewTimestamp(now))
	}
}

// refreshSnapshotMeta rewrites the snapshot meta map from the targets
// metadata currently in set: entries are added for new roles, advanced for
// new versions and dropped for roles that are gone. A version going
// backwards is an error.
func refreshSnapshotMeta(set *roles.Set) (bool, error) {
	targets := set.Get(metadata.TARGETS)
	if targets == nil {
		return false, fmt.Errorf("%w: %s", roles.ErrUnknownRole, metadata.TARGETS)
	}

	desired := map[string]*metadata.MetaFiles{
		metadata.TARGETS + roleFileSuffix: metadata.MetaFile(targets.Version()),
	}
	for _, name := range set.DelegatedNames() {
		role := set.Get(name)
		if role == nil {
			return false, fmt.Errorf("%w: delegated role %s has no metadata", roles.ErrUnknownRole, name)
		}
		desired[name+roleFileSuffix] = metadata.MetaFile(role.Version())
	}

	meta := set.Get(metadata.SNAPSHOT).Snapshot().Signed.Meta
	changed := false
	for fname, want := range desired {
		have, ok := meta[fname]
		switch {
		case !ok:
			meta[fname] = want
			changed = true
		case want.Version < have.Version:
			return false, fmt.Errorf("%w: %s went back from version %d to %d",
				roles.ErrVersionRegression, fname, have.Version, want.Version)
		case want.Version > have.Version:
			meta[fname] = want
			changed = true
		}
	}
	for fname := range meta {
		if _, ok := desired[fname]; !ok {
			delete(meta, fname)
			changed = true
		}
	}
	return changed, nil
}

// refreshTimestampMeta points the timestamp at the current snapshot version
// and reports whether the pointer moved.
func refreshTimestampMeta(set *roles.Set) bool {
	snapshotVersion := set.Get(metadata.SNAPSHOT).Version()
	meta := set.Get(metadata.TIMESTAMP).Timestamp().Signed.Meta

	fname := metadata.SNAPSHOT + roleFileSuffix
	if have, ok := meta[fname]; ok && have.Version == snapshotVersion {
		return false
	}
	meta[fname] = metadata.MetaFile(snapshotVersion)
	return true
}

// dueForBump reports whether now falls inside the role's signing window,
// that is when now plus the window reaches the recorded expiry.
func dueForBump(set *roles.Set, name string, now time.Time) (bool, error) {
	window, err := set.BumpWindow(name)
	if err != nil {
		return false, err
	}
	role := set.Get(name)
	if role == nil {
		return false, fmt.Errorf("%w: %s", roles.ErrUnknownRole, name)
	}
	return !now.Add(window).Before(role.Expires()), nil
}
