// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package event evaluates a signing event against the known-good repository
// state and renders the verdict the CI status job posts on the event's pull
// request. Evaluation is a pure function of the two states and the clock; it
// never mutates the repository.
package event

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/repository-playground/playground/internal/delta"
	"github.com/repository-playground/playground/internal/roles"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// Verdict classifies a signing event as a whole.
type Verdict int

const (
	// Empty means the event does not change the metadata.
	Empty Verdict = iota
	// Invalid means at least one hard constraint is violated.
	Invalid
	// Incomplete means the shape is valid but signatures or invitation
	// acceptances are still pending.
	Incomplete
	// Publishable means every threshold is met and every invariant holds.
	Publishable
)

func (v Verdict) String() string {
	switch v {
	case Invalid:
		return "invalid"
	case Incomplete:
		return "incomplete"
	case Publishable:
		return "publishable"
	default:
		return "empty"
	}
}

// ReasonKind names one hard constraint. The set is closed; anything that
// cannot be expressed here is a fatal error, not a verdict.
type ReasonKind string

const (
	ReasonIllegalOnlineChange ReasonKind = "illegal_online_change"
	ReasonUnmatchedTargets    ReasonKind = "unmatched_targets"
	ReasonExpiryOutOfRange    ReasonKind = "expiry_out_of_range"
	ReasonDelegationStructure ReasonKind = "delegation_structure"
	ReasonVersionRegression   ReasonKind = "version_regression"
	ReasonOrphanedRemoval     ReasonKind = "orphaned_removal"
	ReasonBadSignature        ReasonKind = "bad_signature"
)

// Reason is one constraint violation, attributed to a role.
type Reason struct {
	Kind   ReasonKind
	Role   string
	Detail string
}

// Tally is a signature count against a threshold.
type Tally struct {
	Signed    int
	Threshold int
}

// RoleResult is the evaluation of one role in the event. Signed and Missing
// hold keyowner handles; for root they merge the baseline and proposed key
// sets, with PrevCounts carrying the baseline tally.
type RoleResult struct {
	Name string
	Kind delta.ChangeKind

	Reasons []Reason

	Signed     []string
	Missing    []string
	Invited    []string
	Counts     *Tally
	PrevCounts *Tally

	// Satisfied means every applicable threshold is met. Verified
	// additionally requires that no constraint is violated.
	Satisfied bool
	Verified  bool
}

// Result is the full evaluation of a signing event.
type Result struct {
	Verdict Verdict

	// Roles in evaluation order: illegally changed online roles first, then
	// root, targets and delegated roles.
	Roles []RoleResult

	// Reasons flattens the per-role constraint violations.
	Reasons []Reason

	// Obligations maps each unsatisfied role to the owner handles whose
	// action is still needed, invited signers included.
	Obligations map[string][]string

	// Invites are the open invitations in the event state; NewInvites the
	// subset this event introduced.
	Invites    map[string][]string
	NewInvites map[string][]string

	// Changes is the underlying structural diff.
	Changes *delta.ChangeSet
}

// Evaluate diffs base against event and applies the signing-event rules.
// Roles are checked root first; an invalid root stops further role analysis
// since nothing else can be trusted against an untrustworthy root.
func Evaluate(base, event delta.State, now time.Time, verifierFor roles.VerifierFunc) (*Result, error) {
	cs, err := delta.Compute(base, event, verifierFor)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Invites:    event.Roles.OpenInvites(),
		NewInvites: cs.NewInvites,
		Changes:    cs,
	}

	for _, name := range cs.IllegalOnline {
		result.Roles = append(result.Roles, RoleResult{
			Name: name,
			Kind: onlineChangeKind(base, event, name),
			Reasons: []Reason{{
				Kind:   ReasonIllegalOnlineChange,
				Role:   name,
				Detail: fmt.Sprintf("%s is maintained by the repository and must not change in a signing event", name),
			}},
		})
	}

	rootFailed := false
	for i := range cs.Deltas {
		d := &cs.Deltas[i]
		rr := evaluateRole(base, event, d, isOrphaned(cs, d.Name), result.Invites[d.Name], now, verifierFor)
		result.Roles = append(result.Roles, rr)
		if d.Name == metadata.ROOT && len(rr.Reasons) > 0 {
			rootFailed = true
			break
		}
	}

	if !rootFailed {
		attachTargetReasons(result, event)
	}

	for _, rr := range result.Roles {
		result.Reasons = append(result.Reasons, rr.Reasons...)
	}
	result.Obligations = buildObligations(result)

	switch {
	case len(result.Reasons) > 0:
		result.Verdict = Invalid
	case cs.Empty():
		result.Verdict = Empty
	case len(result.Obligations) > 0:
		result.Verdict = Incomplete
	default:
		result.Verdict = Publishable
	}
	return result, nil
}

func isOrphaned(cs *delta.ChangeSet, name string) bool {
	for _, orphan := range cs.Orphaned {
		if orphan == name {
			return true
		}
	}
	return false
}

func onlineChangeKind(base, event delta.State, name string) delta.ChangeKind {
	switch {
	case base.Roles.Get(name) == nil:
		return delta.Added
	case event.Roles.Get(name) == nil:
		return delta.Removed
	default:
		return delta.ContentChanged
	}
}

func evaluateRole(base, event delta.State, d *delta.RoleDelta, orphaned bool, invited []string, now time.Time, verifierFor roles.VerifierFunc) RoleResult {
	rr := RoleResult{
		Name:    d.Name,
		Kind:    d.Kind,
		Signed:  d.SignedBy,
		Missing: d.MissingFrom,
		Invited: invited,
	}

	if d.Kind == delta.Removed {
		if orphaned {
			rr.Reasons = append(rr.Reasons, Reason{
				Kind:   ReasonOrphanedRemoval,
				Role:   d.Name,
				Detail: fmt.Sprintf("%s was removed but %s still delegates to it", d.Name, roles.DelegatorName(d.Name)),
			})
			return rr
		}
		rr.Satisfied = true
		rr.Verified = true
		return rr
	}

	fillTallies(&rr, base, event, d)

	// A version that does not advance past the baseline invalidates the role
	// outright; nothing else about it is worth analyzing.
	if d.Kind == delta.ContentChanged {
		baseVersion := base.Roles.Get(d.Name).Version()
		eventVersion := event.Roles.Get(d.Name).Version()
		if eventVersion <= baseVersion {
			rr.Reasons = append(rr.Reasons, Reason{
				Kind:   ReasonVersionRegression,
				Role:   d.Name,
				Detail: fmt.Sprintf("version %d is not valid for %s, the baseline is already at version %d", eventVersion, d.Name, baseVersion),
			})
			return rr
		}
	}

	if reason := checkExpiry(event.Roles, d.Name, now); reason != nil {
		rr.Reasons = append(rr.Reasons, *reason)
	}
	rr.Reasons = append(rr.Reasons, delegationReasons(event, d, verifierFor)...)
	rr.Reasons = append(rr.Reasons, signatureReasons(base, event, d)...)

	rr.Satisfied = d.Status != nil && d.Status.Satisfied() &&
		(d.PrevStatus == nil || d.PrevStatus.Satisfied())
	rr.Verified = rr.Satisfied && len(rr.Reasons) == 0
	return rr
}

func fillTallies(rr *RoleResult, base, event delta.State, d *delta.RoleDelta) {
	if d.Status == nil {
		return
	}
	signedCount := len(d.Status.Valid)
	if delegation, err := event.Roles.Delegation(d.Name); err == nil {
		signedCount = len(delegation.OwnersOf(d.Status.Valid))
	}
	rr.Counts = &Tally{Signed: signedCount, Threshold: d.Status.Threshold}

	if d.PrevStatus == nil {
		return
	}
	prevSigned := len(d.PrevStatus.Valid)
	if baseRoot := base.Roles.Get(metadata.ROOT); baseRoot != nil {
		if delegation, err := roles.RoleDelegation(baseRoot, d.Name); err == nil {
			prevSigned = len(delegation.OwnersOf(d.PrevStatus.Valid))
		}
	}
	rr.PrevCounts = &Tally{Signed: prevSigned, Threshold: d.PrevStatus.Threshold}
}

// checkExpiry validates the proposed expiry against the role's own declared
// period: it must lie in the future and no further out than the period plus a
// one day tolerance for signing-time skew.
func checkExpiry(set *roles.Set, name string, now time.Time) *Reason {
	days, err := set.ExpiryPeriod(name)
	if err != nil {
		return &Reason{
			Kind:   ReasonExpiryOutOfRange,
			Role:   name,
			Detail: fmt.Sprintf("%s declares no expiry period to validate its expiry against", name),
		}
	}

	role := set.Get(name)
	expires := role.Expires()
	if !expires.After(now) {
		return &Reason{
			Kind:   ReasonExpiryOutOfRange,
			Role:   name,
			Detail: fmt.Sprintf("expiry date %s is in the past", expires.Format(time.RFC3339)),
		}
	}
	limit := now.Add(time.Duration(days)*24*time.Hour + 24*time.Hour)
	if expires.After(limit) {
		return &Reason{
			Kind:   ReasonExpiryOutOfRange,
			Role:   name,
			Detail: fmt.Sprintf("expiry date is further than the declared %d day period allows", days),
		}
	}
	return nil
}

// delegationReasons validates every delegation the changed role declares.
func delegationReasons(event delta.State, d *delta.RoleDelta, verifierFor roles.VerifierFunc) []Reason {
	var reasons []Reason
	if d.StatusErr != nil {
		reasons = append(reasons, Reason{
			Kind:   ReasonDelegationStructure,
			Role:   d.Name,
			Detail: d.StatusErr.Error(),
		})
	}

	eventRole := event.Roles.Get(d.Name)
	for _, delegated := range declaredDelegations(eventRole) {
		delegation, err := roles.RoleDelegation(eventRole, delegated)
		if err != nil {
			reasons = append(reasons, Reason{Kind: ReasonDelegationStructure, Role: d.Name, Detail: err.Error()})
			continue
		}
		reasons = append(reasons, checkDelegation(event, d.Name, delegated, delegation, verifierFor)...)
	}
	return reasons
}

func declaredDelegations(role *roles.Role) []string {
	if root := role.Root(); root != nil {
		names := make([]string, 0, len(root.Signed.Roles))
		for name := range root.Signed.Roles {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	}

	targets := role.Targets()
	if targets == nil || targets.Signed.Delegations == nil {
		return nil
	}
	var names []string
	for _, delegatedRole := range targets.Signed.Delegations.Roles {
		names = append(names, delegatedRole.Name)
	}
	sort.Strings(names)
	return names
}

func checkDelegation(event delta.State, declarer, delegated string, delegation *roles.Delegation, verifierFor roles.VerifierFunc) []Reason {
	var reasons []Reason
	structural := func(format string, args ...any) {
		reasons = append(reasons, Reason{
			Kind:   ReasonDelegationStructure,
			Role:   declarer,
			Detail: fmt.Sprintf(format, args...),
		})
	}

	if delegation.Threshold < 1 {
		structural("%s requires a threshold of at least 1, not %d", delegated, delegation.Threshold)
	}

	// Open invitations count towards capacity: the role is signable once the
	// invitees bind their keys.
	online := roles.IsOnline(delegated)
	capacity := len(delegation.KeyIDs)
	if !online {
		capacity = distinctCount(delegation.Owners(), event.Roles.OpenInvites()[delegated])
	}
	if delegation.Threshold > capacity {
		structural("%s needs %d signers but only %d are available", delegated, delegation.Threshold, capacity)
	}

	for _, keyID := range delegation.KeyIDs {
		key := delegation.Keys[keyID]
		if err := roles.CheckKeyDiscipline(key); err != nil {
			structural("key %s of %s: %v", keyID, delegated, err)
			continue
		}
		if online != (roles.OnlineURI(key) != "") {
			if online {
				structural("%s must be signed by the online key, not %s's", delegated, roles.Keyowner(key))
			} else {
				structural("%s must not be signed by an online key", delegated)
			}
			continue
		}
		if _, err := verifierFor(key); err != nil {
			structural("key %s of %s is unusable: %v", keyID, delegated, err)
		}
	}
	return reasons
}

func signatureReasons(base, event delta.State, d *delta.RoleDelta) []Reason {
	var reasons []Reason
	if d.Status != nil && len(d.Status.Invalid) > 0 {
		reasons = append(reasons, Reason{
			Kind:   ReasonBadSignature,
			Role:   d.Name,
			Detail: fmt.Sprintf("signatures from %s do not verify", signerNames(event.Roles.Get(roles.DelegatorName(d.Name)), d.Name, d.Status.Invalid)),
		})
	}
	if d.PrevStatus != nil && len(d.PrevStatus.Invalid) > 0 {
		reasons = append(reasons, Reason{
			Kind:   ReasonBadSignature,
			Role:   d.Name,
			Detail: fmt.Sprintf("signatures from %s do not verify against the baseline root", signerNames(base.Roles.Get(metadata.ROOT), d.Name, d.PrevStatus.Invalid)),
		})
	}
	return reasons
}

// signerNames renders keyids as owner handles when the delegation is
// readable, falling back to the raw keyids.
func signerNames(delegator *roles.Role, name string, keyIDs []string) string {
	if delegator != nil {
		if delegation, err := roles.RoleDelegation(delegator, name); err == nil {
			if owners := delegation.OwnersOf(keyIDs); len(owners) > 0 {
				return joinNames(owners)
			}
		}
	}
	return joinNames(keyIDs)
}

// attachTargetReasons checks the event's target files against the role
// listings and folds any mismatch into the owning role's result.
func attachTargetReasons(result *Result, event delta.State) {
	for _, reason := range targetReasons(event) {
		if rr := findRole(result, reason.Role); rr != nil {
			rr.Reasons = append(rr.Reasons, reason)
			rr.Verified = false
			continue
		}
		result.Roles = append(result.Roles, RoleResult{
			Name:    reason.Role,
			Kind:    delta.Unchanged,
			Reasons: []Reason{reason},
		})
	}
}

func findRole(result *Result, name string) *RoleResult {
	for i := range result.Roles {
		if result.Roles[i].Name == name {
			return &result.Roles[i]
		}
	}
	return nil
}

// targetReasons compares the files under targets/ with the listings across
// all targets roles: every file needs a matching entry in its owning role and
// every entry needs a matching file.
func targetReasons(event delta.State) []Reason {
	type listing struct {
		role  string
		entry *metadata.TargetFiles
	}
	listed := map[string]listing{}
	for _, name := range event.Roles.OfflineNames() {
		role := event.Roles.Get(name)
		targets := role.Targets()
		if targets == nil {
			continue
		}
		for path, entry := range targets.Signed.Targets {
			listed[path] = listing{role: name, entry: entry}
		}
	}

	seen := map[string]bool{}
	var paths []string
	for path := range listed {
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	for path := range event.Files {
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var reasons []Reason
	for _, path := range paths {
		l, isListed := listed[path]
		snapshot, onDisk := event.Files[path]
		switch {
		case !isListed:
			owner := delta.OwningRole(event.Roles, path)
			reasons = append(reasons, Reason{
				Kind:   ReasonUnmatchedTargets,
				Role:   owner,
				Detail: fmt.Sprintf("targets/%s has no entry in %s", path, owner),
			})
		case !onDisk:
			reasons = append(reasons, Reason{
				Kind:   ReasonUnmatchedTargets,
				Role:   l.role,
				Detail: fmt.Sprintf("%s lists targets/%s but the file does not exist", l.role, path),
			})
		case !entryMatches(l.entry, snapshot):
			reasons = append(reasons, Reason{
				Kind:   ReasonUnmatchedTargets,
				Role:   l.role,
				Detail: fmt.Sprintf("targets/%s does not match its entry in %s", path, l.role),
			})
		}
	}
	return reasons
}

func entryMatches(entry *metadata.TargetFiles, snapshot delta.TargetSnapshot) bool {
	if entry == nil || entry.Length != snapshot.Length {
		return false
	}
	digest, ok := entry.Hashes["sha256"]
	if !ok {
		return false
	}
	return hex.EncodeToString(digest) == snapshot.SHA256
}

// buildObligations collects who still needs to act: missing signers of
// unsatisfied roles and every invited signer.
func buildObligations(result *Result) map[string][]string {
	pending := map[string][]string{}
	for _, rr := range result.Roles {
		if rr.Counts != nil && !rr.Satisfied && len(rr.Missing) > 0 {
			pending[rr.Name] = rr.Missing
		}
	}
	for name, owners := range result.Invites {
		pending[name] = mergeOwners(pending[name], owners)
	}
	if len(pending) == 0 {
		return nil
	}
	return pending
}

func distinctCount(a, b []string) int {
	seen := map[string]bool{}
	for _, names := range [][]string{a, b} {
		for _, name := range names {
			seen[name] = true
		}
	}
	return len(seen)
}

func mergeOwners(a, b []string) []string {
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
