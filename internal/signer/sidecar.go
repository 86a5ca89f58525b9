// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// SidecarName is the state file kept next to the metadata during a signing
// event. It mirrors the open invitations keyed by signer so event tooling
// can notify invitees without parsing the metadata.
const SidecarName = ".signing-event-state"

type sidecarState struct {
	Invites map[string][]string `json:"invites"`
}

func (w *Workbench) sidecarPath() string {
	return filepath.Join(w.repo.MetadataDir(), SidecarName)
}

// invitesByOwner transposes the metadata's delegated-role-to-owners view
// into the signer-to-roles view the state file and the workbench use.
func invitesByOwner(open map[string][]string) map[string][]string {
	byOwner := map[string][]string{}
	for delegated, owners := range open {
		for _, owner := range owners {
			byOwner[owner] = append(byOwner[owner], delegated)
		}
	}
	for _, names := range byOwner {
		sort.Strings(names)
	}
	return byOwner
}

func writeSidecar(path string, invites map[string][]string) error {
	if len(invites) == 0 {
		err := os.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	data, err := json.MarshalIndent(sidecarState{Invites: invites}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// syncSidecar regenerates the state file from the invitations recorded in
// the metadata. The metadata stays authoritative; the sidecar is a mirror.
func (w *Workbench) syncSidecar() error {
	byOwner := invitesByOwner(w.set.OpenInvites())
	w.invites = byOwner
	return writeSidecar(w.sidecarPath(), byOwner)
}
