// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package bumpoffline

import (
	"fmt"

	"github.com/repository-playground/playground/internal/cmd/common"
	"github.com/spf13/cobra"
)

type options struct {
	push bool
}

func (o *options) AddFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(
		&o.push,
		"push",
		false,
		"push the opened signing event branches to origin",
	)
}

func (o *options) Run(cmd *cobra.Command, _ []string) error {
	repo, err := common.LoadRepository()
	if err != nil {
		return err
	}

	events, err := repo.BumpOffline(cmd.Context(), o.push)
	if err != nil {
		return err
	}

	// CI reads the branch names from stdout to dispatch the signing events.
	for _, event := range events {
		fmt.Println(event)
	}

	return nil
}

func New() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "bump-offline",
		Short: "Open signing events for offline roles nearing expiry",
		Long:  `bump-offline opens a signing event branch for every offline role whose signing window has opened. Each branch carries a version-only bump of its role, committed with the repository bot identity, and is pushed to origin with --push. The opened branch names are printed one per line; no output means no role was due.`,

		Args:              cobra.NoArgs,
		RunE:              o.Run,
		DisableAutoGenTag: true,
	}
	o.AddFlags(cmd)

	return cmd
}
