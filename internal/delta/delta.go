// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package delta diffs two repository states, a known-good baseline and a
// signing-event proposal, into a structured change set the signing-event
// engine consumes. The comparison is structural and read-only; verdicts and
// reports belong to the engine.
package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/danwakefield/fnmatch"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// TargetSnapshot identifies the content of one file under targets/ at a ref.
type TargetSnapshot struct {
	SHA256 string
	Length int64
}

// State is one side of the comparison: the role set at a ref together with
// the target files present there, keyed by path relative to targets/.
type State struct {
	Roles *roles.Set
	Files map[string]TargetSnapshot
}

// ChangeKind classifies what happened to one role between two states.
type ChangeKind int

const (
	Unchanged ChangeKind = iota
	Added
	ContentChanged
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case ContentChanged:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unchanged"
	}
}

// TargetChanges lists the target paths whose listings differ between the two
// versions of one targets role.
type TargetChanges struct {
	Added    []string
	Removed  []string
	Modified []string
}

func (c TargetChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// RoleDelta describes the change to one offline role, with the signature
// standing of the proposed version. Status is evaluated against the event's
// delegating key set; PrevStatus is only set for root and holds the
// evaluation against the baseline root, which a root rotation must also
// satisfy. StatusErr records why no status could be computed, typically a
// missing delegation or an unusable key.
type RoleDelta struct {
	Name string
	Kind ChangeKind

	// Payload detail, meaningful for Added and ContentChanged.
	VersionOnly       bool
	SignaturesOnly    bool
	DelegationChanged bool
	ExpiryBumped      bool
	Targets           TargetChanges

	Status     *roles.SignatureStatus
	PrevStatus *roles.SignatureStatus
	StatusErr  error

	// Owner handles derived from the statuses above, union of both key sets
	// for root.
	SignedBy    []string
	MissingFrom []string
}

// ChangeSet is the full structured diff between a baseline and an event.
type ChangeSet struct {
	// Deltas holds the changed offline roles in evaluation order: root,
	// targets, then delegated roles sorted by name.
	Deltas []RoleDelta

	// NewInvites maps delegated role names to owner handles invited by this
	// event (present in the event, absent in the baseline).
	NewInvites map[string][]string

	// Obligations maps each changed role to the owner handles whose
	// signatures are still needed.
	Obligations map[string][]string

	// IllegalOnline names the online roles whose metadata differs between
	// the states. Online metadata only ever changes on main.
	IllegalOnline []string

	// Orphaned names the removed roles whose delegation survived in the
	// event state.
	Orphaned []string
}

// Empty reports whether the two states are identical at the metadata level.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Deltas) == 0 && len(cs.IllegalOnline) == 0
}

// Delta returns the recorded change for name, or nil.
func (cs *ChangeSet) Delta(name string) *RoleDelta {
	for i := range cs.Deltas {
		if cs.Deltas[i].Name == name {
			return &cs.Deltas[i]
		}
	}
	return nil
}

// Compute diffs base against event. The verifier resolves signature
// verification for whatever key schemes the metadata carries; a key that
// cannot be verified surfaces in the delta's StatusErr rather than failing
// the whole computation.
func Compute(base, event State, verifierFor roles.VerifierFunc) (*ChangeSet, error) {
	cs := &ChangeSet{}

	for _, name := range []string{metadata.SNAPSHOT, metadata.TIMESTAMP} {
		differs, err := rolesDiffer(base.Roles.Get(name), event.Roles.Get(name))
		if err != nil {
			return nil, err
		}
		if differs {
			cs.IllegalOnline = append(cs.IllegalOnline, name)
		}
	}

	for _, name := range offlineUnion(base.Roles, event.Roles) {
		d, err := compareRole(base, event, name, verifierFor)
		if err != nil {
			return nil, err
		}
		if d == nil {
			continue
		}
		if d.Kind == Removed && removalOrphaned(event, name) {
			cs.Orphaned = append(cs.Orphaned, name)
		}
		cs.Deltas = append(cs.Deltas, *d)
	}

	cs.NewInvites = inviteDiff(base.Roles.OpenInvites(), event.Roles.OpenInvites())
	cs.Obligations = obligations(cs.Deltas)
	return cs, nil
}

// OwningRole attributes a target path to the delegated role whose path
// patterns match it, falling back to the top-level targets role.
func OwningRole(set *roles.Set, path string) string {
	for _, name := range set.DelegatedNames() {
		for _, pattern := range set.PathPatterns(name) {
			if fnmatch.Match(pattern, path, 0) {
				return name
			}
		}
	}
	return metadata.TARGETS
}

// offlineUnion returns the offline role names present in either state, in
// evaluation order.
func offlineUnion(base, event *roles.Set) []string {
	seen := map[string]bool{}
	var names []string
	for _, set := range []*roles.Set{event, base} {
		for _, name := range set.OfflineNames() {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}

	var delegated []string
	for _, name := range names {
		if name != metadata.ROOT && name != metadata.TARGETS {
			delegated = append(delegated, name)
		}
	}
	sort.Strings(delegated)

	ordered := make([]string, 0, len(names))
	for _, top := range []string{metadata.ROOT, metadata.TARGETS} {
		if seen[top] {
			ordered = append(ordered, top)
		}
	}
	return append(ordered, delegated...)
}

func compareRole(base, event State, name string, verifierFor roles.VerifierFunc) (*RoleDelta, error) {
	baseRole := base.Roles.Get(name)
	eventRole := event.Roles.Get(name)

	switch {
	case eventRole == nil && baseRole == nil:
		return nil, nil
	case eventRole == nil:
		return &RoleDelta{Name: name, Kind: Removed}, nil
	case baseRole == nil:
		d := &RoleDelta{Name: name, Kind: Added, Targets: targetDiff(nil, eventRole)}
		fillStatus(d, base, event, verifierFor)
		return d, nil
	}

	basePayload, err := payloadMap(baseRole)
	if err != nil {
		return nil, err
	}
	eventPayload, err := payloadMap(eventRole)
	if err != nil {
		return nil, err
	}

	payloadEqual := jsonEqual(basePayload, eventPayload)
	if payloadEqual && signaturesEqual(baseRole, eventRole) {
		return nil, nil
	}

	d := &RoleDelta{Name: name, Kind: ContentChanged, SignaturesOnly: payloadEqual}
	if !payloadEqual {
		d.ExpiryBumped = eventRole.Expires().After(baseRole.Expires())
		d.VersionOnly = eventRole.Version() != baseRole.Version() &&
			jsonEqual(stripBumpFields(basePayload), stripBumpFields(eventPayload))
		d.DelegationChanged = delegationChanged(name, basePayload, eventPayload)
		d.Targets = targetDiff(baseRole, eventRole)
	}
	fillStatus(d, base, event, verifierFor)
	return d, nil
}

// fillStatus evaluates the event role's signatures against the event's
// delegating key set and, for root, additionally against the baseline root.
func fillStatus(d *RoleDelta, base, event State, verifierFor roles.VerifierFunc) {
	eventRole := event.Roles.Get(d.Name)
	delegator := event.Roles.Delegator(d.Name)
	if delegator == nil {
		d.StatusErr = fmt.Errorf("%w: no delegator for %s", roles.ErrUnknownRole, d.Name)
		return
	}

	delegation, err := roles.RoleDelegation(delegator, d.Name)
	if err != nil {
		d.StatusErr = err
		return
	}
	d.Status, err = roles.VerifyAgainstDelegator(delegator, eventRole, verifierFor)
	if err != nil {
		d.StatusErr = err
		return
	}
	d.SignedBy = delegation.OwnersOf(d.Status.Valid)
	d.MissingFrom = delegation.OwnersOf(append(d.Status.Missing, d.Status.Invalid...))

	// A root rotation must satisfy the baseline root's key set too.
	if d.Name == metadata.ROOT {
		baseRoot := base.Roles.Get(metadata.ROOT)
		if baseRoot == nil {
			return
		}
		prevDelegation, err := roles.RoleDelegation(baseRoot, d.Name)
		if err != nil {
			d.StatusErr = err
			return
		}
		d.PrevStatus, err = roles.VerifyAgainstDelegator(baseRoot, eventRole, verifierFor)
		if err != nil {
			d.StatusErr = err
			return
		}
		d.SignedBy = mergeNames(d.SignedBy, prevDelegation.OwnersOf(d.PrevStatus.Valid))
		d.MissingFrom = mergeNames(d.MissingFrom,
			prevDelegation.OwnersOf(append(d.PrevStatus.Missing, d.PrevStatus.Invalid...)))
	}
}

// removalOrphaned reports whether a removed role is still delegated to in the
// event state. Top-level roles are always delegated by root and can never be
// removed.
func removalOrphaned(event State, name string) bool {
	switch name {
	case metadata.ROOT, metadata.TARGETS:
		return true
	}
	_, err := event.Roles.Delegation(name)
	return err == nil
}

func obligations(deltas []RoleDelta) map[string][]string {
	pending := map[string][]string{}
	for _, d := range deltas {
		if len(d.MissingFrom) > 0 {
			pending[d.Name] = d.MissingFrom
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return pending
}

// inviteDiff returns the invites present in event but not in base, keyed by
// delegated role name.
func inviteDiff(base, event map[string][]string) map[string][]string {
	diff := map[string][]string{}
	for name, owners := range event {
		existing := map[string]bool{}
		for _, owner := range base[name] {
			existing[owner] = true
		}
		for _, owner := range owners {
			if !existing[owner] {
				diff[name] = append(diff[name], owner)
			}
		}
		sort.Strings(diff[name])
	}
	if len(diff) == 0 {
		return nil
	}
	return diff
}

// rolesDiffer reports whether two versions of a role differ in payload or
// signatures. A role present on one side only counts as differing.
func rolesDiffer(baseRole, eventRole *roles.Role) (bool, error) {
	if baseRole == nil || eventRole == nil {
		return baseRole != eventRole, nil
	}
	basePayload, err := payloadMap(baseRole)
	if err != nil {
		return false, err
	}
	eventPayload, err := payloadMap(eventRole)
	if err != nil {
		return false, err
	}
	return !jsonEqual(basePayload, eventPayload) || !signaturesEqual(baseRole, eventRole), nil
}

// payloadMap decodes the role's canonical signed payload into a generic map
// so payload subtrees can be compared independent of the concrete role type.
func payloadMap(role *roles.Role) (map[string]any, error) {
	data, err := role.SignedBytes()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %w", roles.ErrMalformedMetadata, role.Name(), err)
	}
	return m, nil
}

// jsonEqual compares two decoded JSON values through re-encoding, which
// sorts object keys deterministically.
func jsonEqual(a, b any) bool {
	aData, aErr := json.Marshal(a)
	bData, bErr := json.Marshal(b)
	return aErr == nil && bErr == nil && bytes.Equal(aData, bData)
}

// stripBumpFields drops the fields a version bump legitimately changes.
func stripBumpFields(payload map[string]any) map[string]any {
	stripped := make(map[string]any, len(payload))
	for key, value := range payload {
		if key == "version" || key == "expires" {
			continue
		}
		stripped[key] = value
	}
	return stripped
}

func signaturesEqual(baseRole, eventRole *roles.Role) bool {
	return jsonEqual(baseRole.Signatures(), eventRole.Signatures())
}

func delegationChanged(name string, basePayload, eventPayload map[string]any) bool {
	if name == metadata.ROOT {
		return !jsonEqual(basePayload["roles"], eventPayload["roles"]) ||
			!jsonEqual(basePayload["keys"], eventPayload["keys"])
	}
	return !jsonEqual(basePayload["delegations"], eventPayload["delegations"])
}

func targetDiff(baseRole, eventRole *roles.Role) TargetChanges {
	var baseTargets, eventTargets map[string]*metadata.TargetFiles
	if baseRole != nil && baseRole.Targets() != nil {
		baseTargets = baseRole.Targets().Signed.Targets
	}
	if eventRole != nil && eventRole.Targets() != nil {
		eventTargets = eventRole.Targets().Signed.Targets
	}

	var changes TargetChanges
	for path, eventEntry := range eventTargets {
		baseEntry, ok := baseTargets[path]
		switch {
		case !ok:
			changes.Added = append(changes.Added, path)
		case !jsonEqual(baseEntry, eventEntry):
			changes.Modified = append(changes.Modified, path)
		}
	}
	for path := range baseTargets {
		if _, ok := eventTargets[path]; !ok {
			changes.Removed = append(changes.Removed, path)
		}
	}
	sort.Strings(changes.Added)
	sort.Strings(changes.Removed)
	sort.Strings(changes.Modified)
	return changes
}

func mergeNames(a, b []string) []string {
	seen := map[string]bool{}
	var merged []string
	for _, names := range [][]string{a, b} {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				merged = append(merged, name)
			}
		}
	}
	sort.Strings(merged)
	return merged
}
