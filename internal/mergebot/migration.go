package mergebot

import (
	"context"
	"fmt"
	"regexp"

	"github.com/simplesurance/mergebot/internal/branchfmt"
)

// updateMigrationIssue ticks the checkbox lines of the merged addons in the
// migration tracking issue of the target branch series.
// Nothing happens when the repository has no such issue or the addons are not
// listed in it.
func updateMigrationIssue(ctx context.Context, ghClt GithubClient, org, repo string, intent *branchfmt.MergeIntent, addons []string) error {
	if len(addons) == 0 {
		return nil
	}

	title := fmt.Sprintf("Migration to version %s", intent.TargetBranch)

	issue, err := ghClt.FindIssueByTitle(ctx, org, repo, title)
	if err != nil {
		return err
	}

	if issue == nil {
		return nil
	}

	body := issue.GetBody()
	updated := body

	for _, addon := range addons {
		updated = tickAddonLine(updated, addon, intent.Requester, intent.PR)
	}

	if updated == body {
		return nil
	}

	return ghClt.UpdateIssueBody(ctx, org, repo, issue.GetNumber(), updated)
}

// tickAddonLine marks the addon's checkbox line as done and records who
// merged it via which pull request.
func tickAddonLine(body, addon, user string, pr int) string {
	lineRe := regexp.MustCompile(
		`(?m)^- \[[ x]\] ` + regexp.QuoteMeta(addon) + `\b.*$`,
	)

	replacement := fmt.Sprintf("- [x] %s - By @%s - #%d", addon, user, pr)

	return lineRe.ReplaceAllString(body, replacement)
}
