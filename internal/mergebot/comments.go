package mergebot

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/simplesurance/mergebot/internal/botcmd"
)

// Labels applied to pull requests by the bot.
const (
	LabelMerging  = "bot is merging ⏳"
	LabelMerged   = "merged 🎉"
	LabelApproved = "approved"
)

var mergeIntroMessages = []string{
	"On my way to merge this fine PR!",
	"This PR looks fantastic, let's merge it!",
	"What a great day to merge this nice PR. Let's do it!",
	"Hey, thanks for contributing! Proceeding to merge this for you.",
	"It's a good day to merge.",
}

func mergeIntro() string {
	return mergeIntroMessages[rand.Intn(len(mergeIntroMessages))]
}

// hideSecrets replaces all secret values in text.
// It is applied to every outbound comment, the command outputs embedded in
// failure comments may contain tokens.
func hideSecrets(text string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}

		text = strings.ReplaceAll(text, secret, "***")
	}

	return text
}

func mergingComment(mergeBranch string) string {
	return fmt.Sprintf(
		"%s\nPrepared branch [%s](../tree/%s), awaiting test results.",
		mergeIntro(), mergeBranch, mergeBranch,
	)
}

func permissionDeniedComment(user string) string {
	return fmt.Sprintf(
		"Sorry @%s you are not allowed to merge.\n\n"+
			"To do so you must either have push permissions on the repository, "+
			"or be a declared maintainer of all modified addons.\n\n"+
			"If you wish to adopt an addon and become its [maintainer]"+
			"(https://odoo-community.org/page/maintainer-role), "+
			"open a pull request to add your GitHub login to the `maintainers` "+
			"key of its manifest.",
		user,
	)
}

func ciFailedComment(mergeBranch string) string {
	return fmt.Sprintf(
		"Merge command aborted, checks failed on branch %s.",
		mergeBranch,
	)
}

func tryAgainComment(targetBranch string) string {
	return fmt.Sprintf(
		"Target branch %s moved since the merge started, trying again with the new head.",
		targetBranch,
	)
}

func mergedComment(org, mergeSHA string) string {
	return fmt.Sprintf(
		"Congratulations, your PR was merged at %s. Thanks a lot for contributing to %s. ❤️",
		mergeSHA, org,
	)
}

func failedComment(err error, secrets []string) string {
	return hideSecrets(
		fmt.Sprintf("Merge command failed:\n\n```\n%s\n```", err.Error()),
		secrets,
	)
}

func rebasedComment(prBranch string) string {
	return fmt.Sprintf("Congratulations, PR branch %s rebased successfully.", prBranch)
}

func invalidCommandComment(err error) string {
	return fmt.Sprintf("Sorry, I could not understand that.\n\n%s\n%s",
		err.Error(), botcmd.Usage)
}

func dryRunComment(action string) string {
	return fmt.Sprintf("Dry run, %s skipped.", action)
}
