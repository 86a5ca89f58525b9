// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package roles models the TUF role graph of a playground repository. Each
// role wraps one go-tuf metadata document; a Set holds the documents that
// make up one repository state (typically loaded from a git ref or a working
// tree) and answers delegation questions about them.
package roles

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

var (
	ErrMalformedMetadata     = errors.New("malformed metadata")
	ErrUnknownRole           = errors.New("role not found")
	ErrInvariantViolation    = errors.New("role invariant violated")
	ErrVersionRegression     = errors.New("version regression")
	ErrExpiryPolicyViolation = errors.New("expiry outside policy window")
	ErrSignatureRejected     = errors.New("signature rejected")
)

// IsOnline reports whether name is a role signed automatically by the
// repository service rather than by humans.
func IsOnline(name string) bool {
	return name == metadata.TIMESTAMP || name == metadata.SNAPSHOT
}

// Role is one named metadata document. Exactly one of the four typed
// pointers is set, chosen by the role name at load time. Delegated targets
// roles use the targets type.
type Role struct {
	name      string
	root      *metadata.Metadata[metadata.RootType]
	snapshot  *metadata.Metadata[metadata.SnapshotType]
	timestamp *metadata.Metadata[metadata.TimestampType]
	targets   *metadata.Metadata[metadata.TargetsType]
}

// FromBytes parses data as the metadata document for the named role.
func FromBytes(name string, data []byte) (*Role, error) {
	role := &Role{name: name}

	var err error
	switch name {
	case metadata.ROOT:
		role.root, err = metadata.Root().FromBytes(data)
	case metadata.SNAPSHOT:
		role.snapshot, err = metadata.Snapshot().FromBytes(data)
	case metadata.TIMESTAMP:
		role.timestamp, err = metadata.Timestamp().FromBytes(data)
	default:
		role.targets, err = metadata.Targets().FromBytes(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrMalformedMetadata, name, err)
	}

	return role, nil
}

// NewRoot returns a fresh unsigned root role. The caller configures keys,
// roles and custom fields before the first write.
func NewRoot(expires time.Time) *Role {
	md := metadata.Root(expires)
	md.Signed.ConsistentSnapshot = false
	return &Role{name: metadata.ROOT, root: md}
}

// NewSnapshot returns a fresh snapshot at version 0 with no meta entries, so
// the first repository write bumps it to version 1 and fills in the current
// targets versions.
func NewSnapshot(expires time.Time) *Role {
	md := metadata.Snapshot(expires)
	md.Signed.Version = 0
	md.Signed.Meta = map[string]*metadata.MetaFiles{}
	return &Role{name: metadata.SNAPSHOT, snapshot: md}
}

// NewTimestamp returns a fresh timestamp at version 0 pointing at snapshot
// version 0, mirroring NewSnapshot.
func NewTimestamp(expires time.Time) *Role {
	md := metadata.Timestamp(expires)
	md.Signed.Version = 0
	md.Signed.Meta = map[string]*metadata.MetaFiles{
		"snapshot.json": {Version: 0},
	}
	return &Role{name: metadata.TIMESTAMP, timestamp: md}
}

func NewTargets(name string, expires time.Time) *Role {
	return &Role{name: name, targets: metadata.Targets(expires)}
}

func (r *Role) Name() string { return r.name }

// Root returns the typed root document, or nil for other roles.
func (r *Role) Root() *metadata.Metadata[metadata.RootType] { return r.root }

func (r *Role) Snapshot() *metadata.Metadata[metadata.SnapshotType] { return r.snapshot }

func (r *Role) Timestamp() *metadata.Metadata[metadata.TimestampType] { return r.timestamp }

// Targets returns the typed targets document. It is set both for the
// top-level targets role and for delegated targets roles.
func (r *Role) Targets() *metadata.Metadata[metadata.TargetsType] { return r.targets }

func (r *Role) Version() int64 {
	switch {
	case r.root != nil:
		return r.root.Signed.Version
	case r.snapshot != nil:
		return r.snapshot.Signed.Version
	case r.timestamp != nil:
		return r.timestamp.Signed.Version
	default:
		return r.targets.Signed.Version
	}
}

func (r *Role) SetVersion(version int64) {
	switch {
	case r.root != nil:
		r.root.Signed.Version = version
	case r.snapshot != nil:
		r.snapshot.Signed.Version = version
	case r.timestamp != nil:
		r.timestamp.Signed.Version = version
	default:
		r.targets.Signed.Version = version
	}
}

func (r *Role) Expires() time.Time {
	switch {
	case r.root != nil:
		return r.root.Signed.Expires
	case r.snapshot != nil:
		return r.snapshot.Signed.Expires
	case r.timestamp != nil:
		return r.timestamp.Signed.Expires
	default:
		return r.targets.Signed.Expires
	}
}

func (r *Role) SetExpires(expires time.Time) {
	expires = expires.UTC().Truncate(time.Second)
	switch {
	case r.root != nil:
		r.root.Signed.Expires = expires
	case r.snapshot != nil:
		r.snapshot.Signed.Expires = expires
	case r.timestamp != nil:
		r.timestamp.Signed.Expires = expires
	default:
		r.targets.Signed.Expires = expires
	}
}

func (r *Role) Signatures() []metadata.Signature {
	switch {
	case r.root != nil:
		return r.root.Signatures
	case r.snapshot != nil:
		return r.snapshot.Signatures
	case r.timestamp != nil:
		return r.timestamp.Signatures
	default:
		return r.targets.Signatures
	}
}

func (r *Role) setSignatures(sigs []metadata.Signature) {
	switch {
	case r.root != nil:
		r.root.Signatures = sigs
	case r.snapshot != nil:
		r.snapshot.Signatures = sigs
	case r.timestamp != nil:
		r.timestamp.Signatures = sigs
	default:
		r.targets.Signatures = sigs
	}
}

// ClearSignatures drops all signatures, typically before a content edit.
func (r *Role) ClearSignatures() {
	r.setSignatures(nil)
}

// SetSignature replaces the signature carrying the same keyid, or appends.
// Signature order is preserved so that repeated signing runs produce
// identical files.
func (r *Role) SetSignature(sig metadata.Signature) {
	sigs := r.Signatures()
	for i := range sigs {
		if sigs[i].KeyID == sig.KeyID {
			sigs[i] = sig
			r.setSignatures(sigs)
			return
		}
	}
	r.setSignatures(append(sigs, sig))
}

// Signature returns the signature for keyID, if present.
func (r *Role) Signature(keyID string) (metadata.Signature, bool) {
	for _, sig := range r.Signatures() {
		if sig.KeyID == keyID {
			return sig, true
		}
	}
	return metadata.Signature{}, false
}

// SignedBytes returns the canonical serialization of the signed payload.
// This is the exact byte string signatures are computed over.
func (r *Role) SignedBytes() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case r.root != nil:
		data, err = cjson.EncodeCanonical(r.root.Signed)
	case r.snapshot != nil:
		data, err = cjson.EncodeCanonical(r.snapshot.Signed)
	case r.timestamp != nil:
		data, err = cjson.EncodeCanonical(r.timestamp.Signed)
	default:
		data, err = cjson.EncodeCanonical(r.targets.Signed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: canonical encoding of %s: %w", ErrMalformedMetadata, r.name, err)
	}
	return data, nil
}

// ToBytes serializes the full document, pretty-printed for stable diffs in
// signing-event branches.
func (r *Role) ToBytes() ([]byte, error) {
	switch {
	case r.root != nil:
		return r.root.ToBytes(true)
	case r.snapshot != nil:
		return r.snapshot.ToBytes(true)
	case r.timestamp != nil:
		return r.timestamp.ToBytes(true)
	default:
		return r.targets.ToBytes(true)
	}
}

// Sign signs the canonical payload with signer and records the result under
// keyID. The keyid is taken from the delegation, not recomputed from the
// public key, so keys carrying owner fields keep their declared id.
func (r *Role) Sign(signer signature.Signer, keyID string) error {
	payload, err := r.SignedBytes()
	if err != nil {
		return err
	}

	sig, err := signer.SignMessage(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: signing %s: %w", ErrSignatureRejected, r.name, err)
	}

	r.SetSignature(metadata.Signature{KeyID: keyID, Signature: sig})
	return nil
}

// AddKey adds key to the key set delegated to role delegated. The receiver
// must be the delegating role (root or targets).
func (r *Role) AddKey(key *metadata.Key, delegated string) error {
	switch {
	case r.root != nil:
		return r.root.Signed.AddKey(key, delegated)
	case r.targets != nil:
		return r.targets.Signed.AddKey(key, delegated)
	default:
		return fmt.Errorf("%w: %s cannot delegate", ErrInvariantViolation, r.name)
	}
}

// RevokeKey removes keyID from the key set delegated to role delegated.
func (r *Role) RevokeKey(keyID, delegated string) error {
	switch {
	case r.root != nil:
		return r.root.Signed.RevokeKey(keyID, delegated)
	case r.targets != nil:
		return r.targets.Signed.RevokeKey(keyID, delegated)
	default:
		return fmt.Errorf("%w: %s cannot delegate", ErrInvariantViolation, r.name)
	}
}

// Set is one repository state: every role document present at a ref or in a
// working tree.
type Set struct {
	byName map[string]*Role
}

func NewSet() *Set {
	return &Set{byName: map[string]*Role{}}
}

func (s *Set) Add(role *Role) {
	s.byName[role.Name()] = role
}

func (s *Set) Remove(name string) {
	delete(s.byName, name)
}

// Get returns the named role or nil.
func (s *Set) Get(name string) *Role {
	return s.byName[name]
}

func (s *Set) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

func (s *Set) Len() int { return len(s.byName) }

// Names returns all role names in evaluation order: root, targets, the
// delegated roles sorted by name, then the online roles.
func (s *Set) Names() []string {
	var delegated []string
	for name := range s.byName {
		switch name {
		case metadata.ROOT, metadata.TARGETS, metadata.SNAPSHOT, metadata.TIMESTAMP:
		default:
			delegated = append(delegated, name)
		}
	}
	sort.Strings(delegated)

	names := make([]string, 0, len(s.byName))
	for _, name := range []string{metadata.ROOT, metadata.TARGETS} {
		if s.Has(name) {
			names = append(names, name)
		}
	}
	names = append(names, delegated...)
	for _, name := range []string{metadata.SNAPSHOT, metadata.TIMESTAMP} {
		if s.Has(name) {
			names = append(names, name)
		}
	}
	return names
}

// OfflineNames returns the human-signed roles in evaluation order.
func (s *Set) OfflineNames() []string {
	var names []string
	for _, name := range s.Names() {
		if !IsOnline(name) {
			names = append(names, name)
		}
	}
	return names
}

// DelegatorName returns the name of the role whose key set authorizes name.
// Root authorizes itself and the other top-level roles; targets authorizes
// the delegated roles.
func DelegatorName(name string) string {
	switch name {
	case metadata.ROOT, metadata.TIMESTAMP, metadata.SNAPSHOT, metadata.TARGETS:
		return metadata.ROOT
	default:
		return metadata.TARGETS
	}
}

// Delegator returns the role whose key set authorizes name, or nil.
func (s *Set) Delegator(name string) *Role {
	return s.Get(DelegatorName(name))
}

// Delegation is the key set and threshold a delegating role declares for one
// delegated role. KeyIDs preserves the declared order; Keys is indexed by
// those ids.
type Delegation struct {
	KeyIDs    []string
	Keys      map[string]*metadata.Key
	Threshold int
}

// Owners returns the keyowner handles of the delegation's offline keys, in
// key order.
func (d *Delegation) Owners() []string {
	var owners []string
	for _, keyID := range d.KeyIDs {
		if owner := Keyowner(d.Keys[keyID]); owner != "" {
			owners = append(owners, owner)
		}
	}
	return owners
}

// OwnersOf maps a subset of the delegation's keyids onto keyowner handles,
// deduplicated and sorted. Keys without an owner handle are skipped.
func (d *Delegation) OwnersOf(keyIDs []string) []string {
	seen := map[string]bool{}
	var owners []string
	for _, keyID := range keyIDs {
		owner := Keyowner(d.Keys[keyID])
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// KeyForOwner returns the declared keyid of the key owned by handle.
func (d *Delegation) KeyForOwner(owner string) (string, bool) {
	for _, keyID := range d.KeyIDs {
		if Keyowner(d.Keys[keyID]) == owner {
			return keyID, true
		}
	}
	return "", false
}

// Delegation returns the delegation that this set's delegating role declares
// for name.
func (s *Set) Delegation(name string) (*Delegation, error) {
	delegator := s.Delegator(name)
	if delegator == nil {
		return nil, fmt.Errorf("%w: no delegator for %s", ErrUnknownRole, name)
	}
	return RoleDelegation(delegator, name)
}

// RoleDelegation reads the delegation for name from an explicit delegating
// role. The signing-event engine uses this to evaluate a role against both
// the baseline and the proposed delegator.
func RoleDelegation(delegator *Role, name string) (*Delegation, error) {
	if root := delegator.Root(); root != nil {
		role, ok := root.Signed.Roles[name]
		if !ok {
			return nil, fmt.Errorf("%w: root does not delegate to %s", ErrUnknownRole, name)
		}
		keys := make(map[string]*metadata.Key, len(role.KeyIDs))
		for _, keyID := range role.KeyIDs {
			key, ok := root.Signed.Keys[keyID]
			if !ok {
				return nil, fmt.Errorf("%w: root lists unknown key %s for %s", ErrMalformedMetadata, keyID, name)
			}
			keys[keyID] = key
		}
		return &Delegation{KeyIDs: append([]string(nil), role.KeyIDs...), Keys: keys, Threshold: role.Threshold}, nil
	}

	targets := delegator.Targets()
	if targets == nil || targets.Signed.Delegations == nil {
		return nil, fmt.Errorf("%w: %s does not delegate", ErrUnknownRole, delegator.Name())
	}
	for _, role := range targets.Signed.Delegations.Roles {
		if role.Name != name {
			continue
		}
		keys := make(map[string]*metadata.Key, len(role.KeyIDs))
		for _, keyID := range role.KeyIDs {
			key, ok := targets.Signed.Delegations.Keys[keyID]
			if !ok {
				return nil, fmt.Errorf("%w: %s lists unknown key %s for %s", ErrMalformedMetadata, delegator.Name(), keyID, name)
			}
			keys[keyID] = key
		}
		return &Delegation{KeyIDs: append([]string(nil), role.KeyIDs...), Keys: keys, Threshold: role.Threshold}, nil
	}
	return nil, fmt.Errorf("%w: %s does not delegate to %s", ErrUnknownRole, delegator.Name(), name)
}

// DelegatedNames returns the delegated targets role names declared by the
// top-level targets role.
func (s *Set) DelegatedNames() []string {
	targets := s.Get(metadata.TARGETS)
	if targets == nil || targets.Targets().Signed.Delegations == nil {
		return nil
	}
	var names []string
	for _, role := range targets.Targets().Signed.Delegations.Roles {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names
}

// PathPatterns returns the delegation path patterns for a delegated role,
// or nil for top-level roles.
func (s *Set) PathPatterns(name string) []string {
	targets := s.Get(metadata.TARGETS)
	if targets == nil || targets.Targets().Signed.Delegations == nil {
		return nil
	}
	for _, role := range targets.Targets().Signed.Delegations.Roles {
		if role.Name == name {
			return role.Paths
		}
	}
	return nil
}
