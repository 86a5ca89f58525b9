// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package sign

import (
	"context"
	"fmt"
	"strings"

	"github.com/repository-playground/playground/internal/cmd/common"
	"github.com/repository-playground/playground/internal/signer"
	"github.com/spf13/cobra"
)

type options struct {
	push           bool
	nonInteractive bool
	key            string
}

func (o *options) AddFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(
		&o.push,
		"push",
		true,
		"push the signed event to the push remote",
	)

	cmd.Flags().BoolVar(
		&o.nonInteractive,
		"non-interactive",
		false,
		"skip confirmation prompts, for CI-driven signing",
	)

	cmd.Flags().StringVar(
		&o.key,
		"key",
		"hsm:",
		"signing key URI used when accepting an invitation",
	)
}

func (o *options) Run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	prompter := common.NewPrompter(o.nonInteractive)

	ev, err := common.OpenEvent(args[0], prompter)
	if err != nil {
		return err
	}
	workbench := ev.Workbench

	changed := false
	switch workbench.State() {
	case signer.Uninitialized:
		fmt.Println("No metadata repository found. Initialize one with 'playground delegate'.")

	case signer.Invited:
		invited := workbench.InvitedRoles()
		fmt.Printf("You have been invited to become a signer for role(s) %s.\n", strings.Join(invited, ", "))
		if err := prompter.Confirm("To accept the invitation, please insert your signing key and press enter."); err != nil {
			return err
		}
		key, err := common.ImportKey(ctx, ev.User, o.key, prompter)
		if err != nil {
			return err
		}

		for _, name := range invited {
			if err := workbench.AcceptInvite(ctx, name, key); err != nil {
				return err
			}
		}

		// The event may want signatures beyond the invitation, so collect
		// those in the same run.
		if err := signUnsigned(ctx, workbench); err != nil {
			return err
		}
		changed = true

	case signer.SignatureNeeded:
		if err := signUnsigned(ctx, workbench); err != nil {
			return err
		}
		changed = true

	case signer.TargetsChanged:
		fmt.Println("Following local target file changes have been found:")
		for _, change := range workbench.TargetChanges() {
			fmt.Printf("  %s (%s)\n", change.Path, change.Kind)
		}
		if err := prompter.Confirm("Press enter to approve these changes."); err != nil {
			return err
		}
		if err := workbench.UpdateTargets(ctx); err != nil {
			return err
		}
		changed = true

	default:
		fmt.Println("Nothing to do.")
	}

	if !changed {
		return nil
	}
	return ev.Finish(fmt.Sprintf("Signed by %s", ev.User.Name), o.push)
}

func signUnsigned(ctx context.Context, workbench *signer.Workbench) error {
	unsigned := workbench.Unsigned()
	if len(unsigned) == 0 {
		return nil
	}

	fmt.Printf("Your signature is requested for role(s) %s.\n", strings.Join(unsigned, ", "))
	for _, name := range unsigned {
		fmt.Println(workbench.Status(name))
		if err := workbench.SignRole(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func New() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "sign <event>",
		Short: "Sign the changes proposed by a signing event",
		Long:  `sign checks out the named signing event from the pull remote and works through whatever the event expects from you: accepting invitations, approving local target file changes or adding missing signatures. The result is committed and pushed to the event branch on the push remote.`,

		Args:              cobra.ExactArgs(1),
		RunE:              o.Run,
		DisableAutoGenTag: true,
	}
	o.AddFlags(cmd)

	return cmd
}
