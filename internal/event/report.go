// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"
	"sort"
	"strings"

	"github.com/repository-playground/playground/internal/delta"
)

// Report renders the evaluation as the markdown comment the CI status job
// posts on the signing event's pull request: one section per role, followed
// by open invitations and the verdict line.
func (r *Result) Report() string {
	var b strings.Builder
	for _, rr := range r.Roles {
		writeRoleSection(&b, rr)
	}

	if b.Len() > 0 {
		b.WriteString("\n")
	}
	if len(r.Invites) > 0 {
		fmt.Fprintf(&b, "Open invitations: %s.\n", formatInvites(r.Invites))
	}
	b.WriteString(verdictLine(r.Verdict))
	return b.String()
}

func writeRoleSection(b *strings.Builder, rr RoleResult) {
	if rr.Verified {
		fmt.Fprintf(b, "#### :heavy_check_mark: %s\n", rr.Name)
	} else {
		fmt.Fprintf(b, "#### :x: %s\n", rr.Name)
	}

	switch {
	case rr.Kind == delta.Removed:
		if rr.Verified {
			fmt.Fprintf(b, "%s was removed together with its delegation.\n", rr.Name)
		} else {
			fmt.Fprintf(b, "%s was removed.\n", rr.Name)
		}
	case rr.Counts == nil:
		// No signature accounting was possible; the reasons below say why.
	case rr.Verified:
		fmt.Fprintf(b, "%s is verified and signed by %s signers (%s).\n",
			rr.Name, countsString(rr), joinNames(rr.Signed))
	case len(rr.Signed) > 0:
		fmt.Fprintf(b, "%s is not yet verified. It is signed by %s signers (%s).\n",
			rr.Name, countsString(rr), joinNames(rr.Signed))
	default:
		fmt.Fprintf(b, "%s is unsigned and not yet verified\n", rr.Name)
	}

	for _, reason := range rr.Reasons {
		fmt.Fprintf(b, "- %s: %s\n", reason.Kind, reason.Detail)
	}
	if len(rr.Missing) > 0 {
		fmt.Fprintf(b, "Still missing signatures from %s\n", joinNames(rr.Missing))
	}
}

func countsString(rr RoleResult) string {
	counts := fmt.Sprintf("%d/%d", rr.Counts.Signed, rr.Counts.Threshold)
	if rr.PrevCounts != nil {
		counts = fmt.Sprintf("%s (%d/%d)", counts, rr.PrevCounts.Signed, rr.PrevCounts.Threshold)
	}
	return counts
}

func verdictLine(v Verdict) string {
	switch v {
	case Invalid:
		return "Verdict: invalid. Fix the listed problems to continue.\n"
	case Incomplete:
		return "Verdict: incomplete. Signatures or invitation acceptances are still pending.\n"
	case Publishable:
		return "Verdict: publishable. All thresholds are met.\n"
	default:
		return "Verdict: empty. No role changes to verify.\n"
	}
}

func formatInvites(invites map[string][]string) string {
	names := make([]string, 0, len(invites))
	for name := range invites {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []string
	for _, name := range names {
		for _, owner := range invites[name] {
			entries = append(entries, fmt.Sprintf("%s (%s)", owner, name))
		}
	}
	return strings.Join(entries, ", ")
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}
