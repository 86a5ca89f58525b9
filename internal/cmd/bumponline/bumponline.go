// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package bumponline

import (
	"fmt"

	"github.com/repository-playground/playground/internal/cmd/common"
	"github.com/repository-playground/playground/internal/gitinterface"
	"github.com/repository-playground/playground/internal/repository"
	"github.com/spf13/cobra"
)

type options struct {
	publishDir string
}

func (o *options) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&o.publishDir,
		"push",
		"",
		"push the new versions to origin and write the publishable repository into the given directory",
	)
}

func (o *options) Run(cmd *cobra.Command, _ []string) error {
	repo, err := common.LoadRepository()
	if err != nil {
		return err
	}

	update, err := repo.BumpOnline(cmd.Context())
	if err != nil {
		return err
	}
	if !update.Changed() {
		return common.ErrNoChanges
	}

	git := repo.GitRepository()
	message := fmt.Sprintf("Periodic online role version bump and resign\n\n%s", update.Summary())
	if _, err := git.CommitWithIdentity(repository.BotName, repository.BotEmail, update.Paths(), message); err != nil {
		return err
	}
	fmt.Printf("Bumped %s\n", update.Summary())

	if o.publishDir == "" {
		return nil
	}

	if err := git.Push(gitinterface.DefaultRemoteName, "HEAD"); err != nil {
		return err
	}
	if err := repo.PublishTree(o.publishDir); err != nil {
		return err
	}
	fmt.Printf("Published repository to %s\n", o.publishDir)

	return nil
}

func New() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "bump-online",
		Short: "Resign online roles whose signing window has opened",
		Long:  `bump-online produces new signed versions of the snapshot and timestamp once their signing window opens, without waiting for content changes. The new versions are committed with the repository bot identity and, with --push, pushed and published. It exits non-zero when no role was due, so a scheduled CI run can skip the deploy step.`,

		Args:              cobra.NoArgs,
		RunE:              o.Run,
		DisableAutoGenTag: true,
	}
	o.AddFlags(cmd)

	return cmd
}
