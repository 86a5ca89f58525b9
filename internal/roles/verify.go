// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package roles

import (
	"bytes"
	"fmt"

	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// VerifierFunc resolves a verifier for one public key. It is supplied by the
// signer-backend registry so this package stays free of crypto dispatch.
type VerifierFunc func(key *metadata.Key) (signature.Verifier, error)

// MaterialVerifier is implemented by verifiers that consume verification
// material carried in the signature's unrecognized fields, such as keyless
// signing bundles.
type MaterialVerifier interface {
	SetMaterial(fields map[string]any)
}

// SignatureStatus is the per-key outcome of verifying one role against one
// delegation. An empty signature value is a placeholder left by the
// repository and counts as missing, not invalid.
type SignatureStatus struct {
	Role      string
	Threshold int

	// Keyids, partitioned: signatures that verify, signatures that are
	// present but do not verify, and delegation keys with no signature yet.
	Valid   []string
	Invalid []string
	Missing []string
}

// Satisfied reports whether the delegating threshold is met.
func (st *SignatureStatus) Satisfied() bool {
	return len(st.Valid) >= st.Threshold
}

// VerifySignatures verifies name against the delegation declared by its
// delegator within this set.
func (s *Set) VerifySignatures(name string, verifierFor VerifierFunc) (*SignatureStatus, error) {
	role := s.Get(name)
	if role == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	delegator := s.Delegator(name)
	if delegator == nil {
		return nil, fmt.Errorf("%w: no delegator for %s", ErrUnknownRole, name)
	}
	return VerifyAgainstDelegator(delegator, role, verifierFor)
}

// VerifyAgainstDelegator verifies role's signatures against an explicit
// delegating role. Signing events use this twice for root, once with the
// baseline delegator and once with the proposed one.
func VerifyAgainstDelegator(delegator, role *Role, verifierFor VerifierFunc) (*SignatureStatus, error) {
	delegation, err := RoleDelegation(delegator, role.Name())
	if err != nil {
		return nil, err
	}

	payload, err := role.SignedBytes()
	if err != nil {
		return nil, err
	}

	status := &SignatureStatus{Role: role.Name(), Threshold: delegation.Threshold}
	for _, keyID := range delegation.KeyIDs {
		sig, ok := role.Signature(keyID)
		if !ok || len(sig.Signature) == 0 {
			status.Missing = append(status.Missing, keyID)
			continue
		}

		verifier, err := verifierFor(delegation.Keys[keyID])
		if err != nil {
			return nil, fmt.Errorf("verifier for key %s of %s: %w", keyID, role.Name(), err)
		}
		if mv, ok := verifier.(MaterialVerifier); ok {
			mv.SetMaterial(sig.UnrecognizedFields)
		}

		if err := verifier.VerifySignature(bytes.NewReader(sig.Signature), bytes.NewReader(payload)); err != nil {
			status.Invalid = append(status.Invalid, keyID)
			continue
		}
		status.Valid = append(status.Valid, keyID)
	}

	return status, nil
}

// PlaceholderSignatures resets role's signature list to one empty signature
// per delegation key, making every outstanding signing obligation visible in
// the serialized file.
func PlaceholderSignatures(role *Role, delegation *Delegation) {
	role.ClearSignatures()
	for _, keyID := range delegation.KeyIDs {
		role.SetSignature(metadata.Signature{KeyID: keyID, Signature: []byte{}})
	}
}
