// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"fmt"
	"os"
	"time"

	"github.com/repository-playground/playground/internal/cmd/common"
	"github.com/repository-playground/playground/internal/display"
	"github.com/repository-playground/playground/internal/event"
	"github.com/repository-playground/playground/internal/signerverifier"
	"github.com/spf13/cobra"
)

type options struct {
	base     string
	markdown bool
	page     bool
}

func (o *options) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&o.base,
		"base",
		"origin/main",
		"revision the signing event is compared against",
	)

	cmd.Flags().BoolVar(
		&o.markdown,
		"markdown",
		false,
		"emit the report as markdown, for posting as a pull request comment",
	)

	cmd.Flags().BoolVar(
		&o.page,
		"page",
		false,
		"page the report",
	)

	cmd.MarkFlagsMutuallyExclusive("markdown", "page")
}

func (o *options) Run(_ *cobra.Command, _ []string) error {
	repo, err := common.LoadRepository()
	if err != nil {
		return err
	}

	base, err := event.LoadRef(repo.GitRepository(), o.base)
	if err != nil {
		return err
	}
	current, err := event.LoadWorktree(repo)
	if err != nil {
		return err
	}

	result, err := event.Evaluate(base, current, time.Now(), signerverifier.VerifierFor)
	if err != nil {
		return err
	}

	if o.markdown {
		fmt.Print(result.Report())
	} else {
		writer := display.NewDisplayWriter(os.Stdout, o.page)
		if err := display.PrintReport(result, writer); err != nil {
			return err
		}
	}

	if result.Verdict != event.Publishable {
		return common.ErrNotPublishable
	}
	return nil
}

func New() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the checked out signing event can be published",
		Long:  `status compares the checked out signing event against the baseline revision, verifies every changed role and prints a role-by-role report. It exits zero only when the event is publishable, so a CI merge gate can call it directly.`,

		Args:              cobra.NoArgs,
		RunE:              o.Run,
		DisableAutoGenTag: true,
	}
	o.AddFlags(cmd)

	return cmd
}
