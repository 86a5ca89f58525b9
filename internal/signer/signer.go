// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package signer is the workbench behind the sign and delegate commands: it
// inspects a checked-out signing event against its baseline, tells the signer
// what action the event expects from them, and applies delegation edits,
// invitation acceptances, target syncs and signatures to the working tree.
package signer

import (
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// State is what a signing event currently expects from this signer.
type State int

const (
	// NoAction means the event carries nothing for this signer to do.
	NoAction State = iota

	// Uninitialized means the repository has no root yet; the only possible
	// action is bootstrapping it.
	Uninitialized

	// Invited means the signer has open invitations to accept.
	Invited

	// TargetsChanged means local target files differ from the metadata and
	// the listings need syncing.
	TargetsChanged

	// SignatureNeeded means changed roles are missing this signer's
	// signature.
	SignatureNeeded
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Invited:
		return "invited"
	case TargetsChanged:
		return "targets-changed"
	case SignatureNeeded:
		return "signature-needed"
	default:
		return "no-action"
	}
}

// OfflineConfig is the signer-editable configuration of an offline role: who
// signs it, how many of them must, and its expiry policy.
type OfflineConfig struct {
	// Signers are owner handles. Configured signers without a bound key
	// become invitations.
	Signers   []string
	Threshold int

	// ExpiryDays is how far each new version's expiry lies in the future;
	// SigningDays is how long before expiry re-signing starts.
	ExpiryDays  int
	SigningDays int
}

// DefaultOfflineConfig returns the starting configuration for a new offline
// role: its creator as the only signer.
func DefaultOfflineConfig(owner string) OfflineConfig {
	return OfflineConfig{
		Signers:     []string{owner},
		Threshold:   1,
		ExpiryDays:  365,
		SigningDays: 60,
	}
}

// OnlineConfig is the configuration of the repository-signed roles: one key
// for both snapshot and timestamp, plus their expiry periods. The key carries
// its signer URI.
type OnlineConfig struct {
	Key             *metadata.Key
	TimestampExpiry int
	SnapshotExpiry  int
}

// DefaultOnlineConfig returns the starting online configuration. The key
// must be imported before the configuration is usable.
func DefaultOnlineConfig() OnlineConfig {
	return OnlineConfig{TimestampExpiry: 1, SnapshotExpiry: 365}
}

// TargetChangeKind classifies one difference between the target files on
// disk and a role's target listing.
type TargetChangeKind int

const (
	TargetAdded TargetChangeKind = iota
	TargetModified
	TargetRemoved
)

func (k TargetChangeKind) String() string {
	switch k {
	case TargetModified:
		return "modified"
	case TargetRemoved:
		return "removed"
	default:
		return "added"
	}
}

// TargetChange is one pending listing update: Entry is the desired metadata
// entry for added and modified files, and nil for removals.
type TargetChange struct {
	Role  string
	Path  string
	Kind  TargetChangeKind
	Entry *metadata.TargetFiles
}
