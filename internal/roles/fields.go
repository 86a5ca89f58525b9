// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package roles

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// Custom metadata fields recognized by the playground. Anything else under
// UnrecognizedFields is carried through load and save untouched.
const (
	FieldOnlineURI     = "x-playground-online-uri"
	FieldKeyowner      = "x-playground-keyowner"
	FieldExpiryPeriod  = "x-playground-expiry-period"
	FieldSigningPeriod = "x-playground-signing-period"
	FieldInvites       = "x-playground-invites"
)

// onlineBumpWindow is the version-bump window for online roles that do not
// declare a signing period, twice the CI cron period.
const onlineBumpWindow = 13 * time.Hour

// OnlineURI returns the signer URI of an online key, or "" for offline keys.
func OnlineURI(key *metadata.Key) string {
	return stringField(key.UnrecognizedFields, FieldOnlineURI)
}

func SetOnlineURI(key *metadata.Key, uri string) {
	if key.UnrecognizedFields == nil {
		key.UnrecognizedFields = map[string]any{}
	}
	key.UnrecognizedFields[FieldOnlineURI] = uri
}

// Keyowner returns the handle of the human responsible for the key, or "".
func Keyowner(key *metadata.Key) string {
	return stringField(key.UnrecognizedFields, FieldKeyowner)
}

func SetKeyowner(key *metadata.Key, owner string) {
	if key.UnrecognizedFields == nil {
		key.UnrecognizedFields = map[string]any{}
	}
	key.UnrecognizedFields[FieldKeyowner] = owner
}

// CheckKeyDiscipline verifies that a key is either online or owned, never
// both and never neither.
func CheckKeyDiscipline(key *metadata.Key) error {
	online := OnlineURI(key) != ""
	owned := Keyowner(key) != ""
	if online == owned {
		return fmt.Errorf("%w: key %s must carry exactly one of %s and %s",
			ErrInvariantViolation, key.ID(), FieldOnlineURI, FieldKeyowner)
	}
	return nil
}

// customFields returns the custom-field map of the signed payload, creating
// it when create is set.
func (r *Role) customFields(create bool) map[string]any {
	var fields map[string]any
	switch {
	case r.root != nil:
		if r.root.Signed.UnrecognizedFields == nil && create {
			r.root.Signed.UnrecognizedFields = map[string]any{}
		}
		fields = r.root.Signed.UnrecognizedFields
	case r.snapshot != nil:
		if r.snapshot.Signed.UnrecognizedFields == nil && create {
			r.snapshot.Signed.UnrecognizedFields = map[string]any{}
		}
		fields = r.snapshot.Signed.UnrecognizedFields
	case r.timestamp != nil:
		if r.timestamp.Signed.UnrecognizedFields == nil && create {
			r.timestamp.Signed.UnrecognizedFields = map[string]any{}
		}
		fields = r.timestamp.Signed.UnrecognizedFields
	default:
		if r.targets.Signed.UnrecognizedFields == nil && create {
			r.targets.Signed.UnrecognizedFields = map[string]any{}
		}
		fields = r.targets.Signed.UnrecognizedFields
	}
	return fields
}

// SetExpiryPeriod records the per-bump expiry period, in days, on an offline
// role's own payload.
func (r *Role) SetExpiryPeriod(days int) {
	r.customFields(true)[FieldExpiryPeriod] = days
}

// SetSigningPeriod records the days-before-expiry signing window on an
// offline role's own payload.
func (r *Role) SetSigningPeriod(days int) {
	r.customFields(true)[FieldSigningPeriod] = days
}

// SetOnlineExpiryPeriod records the expiry period for an online role. Online
// roles keep their periods on the delegation entry in root, since their own
// payloads are rewritten by every online signing run.
func (r *Role) SetOnlineExpiryPeriod(name string, days int) error {
	root := r.Root()
	if root == nil {
		return fmt.Errorf("%w: online periods live in root, not %s", ErrInvariantViolation, r.name)
	}
	entry, ok := root.Signed.Roles[name]
	if !ok {
		return fmt.Errorf("%w: root does not delegate to %s", ErrUnknownRole, name)
	}
	if entry.UnrecognizedFields == nil {
		entry.UnrecognizedFields = map[string]any{}
	}
	entry.UnrecognizedFields[FieldExpiryPeriod] = days
	return nil
}

// SetOnlineSigningPeriod records an explicit signing window, in days, for an
// online role on its delegation entry in root.
func (r *Role) SetOnlineSigningPeriod(name string, days int) error {
	root := r.Root()
	if root == nil {
		return fmt.Errorf("%w: online periods live in root, not %s", ErrInvariantViolation, r.name)
	}
	entry, ok := root.Signed.Roles[name]
	if !ok {
		return fmt.Errorf("%w: root does not delegate to %s", ErrUnknownRole, name)
	}
	if entry.UnrecognizedFields == nil {
		entry.UnrecognizedFields = map[string]any{}
	}
	entry.UnrecognizedFields[FieldSigningPeriod] = days
	return nil
}

// ExpiryPeriod returns the expiry period in days for name, honoring the
// different carriers for online and offline roles.
func (s *Set) ExpiryPeriod(name string) (int, error) {
	fields, err := s.periodFields(name)
	if err != nil {
		return 0, err
	}
	days, ok := intField(fields, FieldExpiryPeriod)
	if !ok {
		return 0, fmt.Errorf("%w: %s has no %s", ErrMalformedMetadata, name, FieldExpiryPeriod)
	}
	return days, nil
}

// SigningPeriod returns the declared signing period in days for name.
func (s *Set) SigningPeriod(name string) (int, error) {
	fields, err := s.periodFields(name)
	if err != nil {
		return 0, err
	}
	days, ok := intField(fields, FieldSigningPeriod)
	if !ok {
		return 0, fmt.Errorf("%w: %s has no %s", ErrMalformedMetadata, name, FieldSigningPeriod)
	}
	return days, nil
}

// BumpWindow returns how long before expiry the role should be re-versioned.
// Online roles without an explicit signing period use a fixed window.
func (s *Set) BumpWindow(name string) (time.Duration, error) {
	fields, err := s.periodFields(name)
	if err != nil {
		return 0, err
	}
	days, ok := intField(fields, FieldSigningPeriod)
	if !ok {
		if IsOnline(name) {
			return onlineBumpWindow, nil
		}
		return 0, fmt.Errorf("%w: %s has no %s", ErrMalformedMetadata, name, FieldSigningPeriod)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

func (s *Set) periodFields(name string) (map[string]any, error) {
	if IsOnline(name) {
		rootRole := s.Get(metadata.ROOT)
		if rootRole == nil {
			return nil, fmt.Errorf("%w: root", ErrUnknownRole)
		}
		entry, ok := rootRole.Root().Signed.Roles[name]
		if !ok {
			return nil, fmt.Errorf("%w: root does not delegate to %s", ErrUnknownRole, name)
		}
		return entry.UnrecognizedFields, nil
	}

	role := s.Get(name)
	if role == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	return role.customFields(false), nil
}

// Invites returns the open invitations recorded on a delegating role:
// delegated role name to owner handles that have not yet bound a key.
func (r *Role) Invites() map[string][]string {
	raw, ok := r.customFields(false)[FieldInvites]
	if !ok {
		return nil
	}
	return invitesFromAny(raw)
}

// SetInvites replaces the invitation map, dropping the field entirely when
// no invitations remain.
func (r *Role) SetInvites(invites map[string][]string) {
	for name, owners := range invites {
		if len(owners) == 0 {
			delete(invites, name)
		}
	}
	if len(invites) == 0 {
		delete(r.customFields(true), FieldInvites)
		return
	}
	r.customFields(true)[FieldInvites] = invites
}

// AddInvite records that owner is expected to bind a key for delegated.
func (r *Role) AddInvite(delegated, owner string) {
	invites := r.Invites()
	if invites == nil {
		invites = map[string][]string{}
	}
	for _, existing := range invites[delegated] {
		if existing == owner {
			return
		}
	}
	invites[delegated] = append(invites[delegated], owner)
	sort.Strings(invites[delegated])
	r.SetInvites(invites)
}

// RemoveInvite clears owner's invitation for delegated and reports whether
// one was present.
func (r *Role) RemoveInvite(delegated, owner string) bool {
	invites := r.Invites()
	owners, ok := invites[delegated]
	if !ok {
		return false
	}
	kept := owners[:0]
	removed := false
	for _, existing := range owners {
		if existing == owner {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	invites[delegated] = kept
	r.SetInvites(invites)
	return removed
}

// OpenInvites unions the invitation maps of all delegating roles in the set.
func (s *Set) OpenInvites() map[string][]string {
	invites := map[string][]string{}
	for _, name := range []string{metadata.ROOT, metadata.TARGETS} {
		role := s.Get(name)
		if role == nil {
			continue
		}
		for delegated, owners := range role.Invites() {
			invites[delegated] = append(invites[delegated], owners...)
		}
	}
	for delegated := range invites {
		sort.Strings(invites[delegated])
	}
	if len(invites) == 0 {
		return nil
	}
	return invites
}

// InvitedRoles returns the roles owner has an open invitation for.
func (s *Set) InvitedRoles(owner string) []string {
	var names []string
	for delegated, owners := range s.OpenInvites() {
		for _, invited := range owners {
			if invited == owner {
				names = append(names, delegated)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

func stringField(fields map[string]any, name string) string {
	if fields == nil {
		return ""
	}
	value, ok := fields[name].(string)
	if !ok {
		return ""
	}
	return value
}

// intField coerces a custom-field number. Values arrive as float64 when the
// document was loaded from JSON and as int when set in process.
func intField(fields map[string]any, name string) (int, bool) {
	if fields == nil {
		return 0, false
	}
	switch value := fields[name].(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	default:
		return 0, false
	}
}

func invitesFromAny(raw any) map[string][]string {
	invites := map[string][]string{}
	switch typed := raw.(type) {
	case map[string][]string:
		for name, owners := range typed {
			invites[name] = append([]string(nil), owners...)
		}
	case map[string]any:
		for name, owners := range typed {
			switch list := owners.(type) {
			case []string:
				invites[name] = append([]string(nil), list...)
			case []any:
				for _, owner := range list {
					if handle, ok := owner.(string); ok {
						invites[name] = append(invites[name], handle)
					}
				}
			}
		}
	}
	if len(invites) == 0 {
		return nil
	}
	return invites
}
