package mergebot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/branchfmt"
	"github.com/simplesurance/mergebot/internal/logfields"
)

// Strategy selects how the pull request branch is combined with the target
// branch on the merge-bot branch.
type Strategy string

const (
	StrategyMerge            Strategy = "merge"
	StrategyRebaseAutosquash Strategy = "rebase-autosquash"
)

const originRemote = "origin"

// Preparer creates the merge-bot branch for a pull request and pushes it,
// forcing a fresh CI run on the merge result.
type Preparer struct {
	ghClt  GithubClient
	clones CloneProvider
	perms  PermissionEvaluator
	dryRun bool
	logger *zap.Logger
}

func NewPreparer(ghClt GithubClient, clones CloneProvider, perms PermissionEvaluator, dryRun bool) *Preparer {
	return &Preparer{
		ghClt:  ghClt,
		clones: clones,
		perms:  perms,
		dryRun: dryRun,
		logger: zap.L().Named("preparer"),
	}
}

func prTempBranch(pr int) string {
	return fmt.Sprintf("tmp-pr-%d", pr)
}

// Prepare creates the encoded merge-bot branch from the target branch and the
// pull request head and pushes it.
//
// A pre-existing remote branch of the same name is deleted first, the push
// then creates a brand-new ref and GitHub restarts all checks instead of
// reusing cached results.
//
// A *boterr.PermissionDeniedError is returned when the requester may not
// merge, no branch is created in that case.
func (p *Preparer) Prepare(ctx context.Context, org, repo string, intent *branchfmt.MergeIntent, strategy Strategy) (string, error) {
	mergeBranch := branchfmt.Encode(intent)

	logger := p.logger.With(
		logfields.RepositoryOwner(org),
		logfields.Repository(repo),
		logfields.PullRequest(intent.PR),
		logfields.TargetBranch(intent.TargetBranch),
		logfields.Branch(mergeBranch),
	)

	clone, err := p.clones.Acquire(ctx, org, repo, intent.TargetBranch)
	if err != nil {
		return "", err
	}
	defer clone.Release()

	tmpBranch := prTempBranch(intent.PR)
	refspec := fmt.Sprintf("pull/%d/head:%s", intent.PR, tmpBranch)
	if err := clone.Fetch(ctx, originRemote, refspec); err != nil {
		return "", fmt.Errorf("fetching pull request head failed: %w", err)
	}

	if err := clone.Checkout(ctx, tmpBranch); err != nil {
		return "", err
	}

	allowed, err := p.perms.CanUserMerge(ctx, intent.Requester, org, repo, intent.TargetBranch, clone)
	if err != nil {
		return "", err
	}

	if !allowed {
		return "", &boterr.PermissionDeniedError{
			Username: intent.Requester,
			Reason:   "no push permission and not a declared maintainer of all modified addons",
		}
	}

	if strategy == StrategyRebaseAutosquash {
		if err := clone.RebaseAutosquash(ctx, intent.TargetBranch); err != nil {
			return "", err
		}
	}

	if err := clone.CreateBranch(ctx, mergeBranch, intent.TargetBranch); err != nil {
		return "", err
	}

	mergeMsg := fmt.Sprintf("Merge PR #%d into %s\n\nSigned-off-by %s",
		intent.PR, intent.TargetBranch, intent.Requester)
	if err := clone.Merge(ctx, tmpBranch, mergeMsg, true); err != nil {
		return "", err
	}

	if p.dryRun {
		logger.Info(
			"dry run, skipping branch push",
			logfields.Event("merge_branch_push_skipped_dry_run"),
		)

		return mergeBranch, nil
	}

	if err := clone.DeleteRemoteBranch(ctx, originRemote, mergeBranch); err != nil {
		return "", err
	}

	if err := clone.Push(ctx, originRemote, mergeBranch, false); err != nil {
		return "", err
	}

	if err := p.ghClt.CreateIssueComment(ctx, org, repo, intent.PR, mergingComment(mergeBranch)); err != nil {
		return "", err
	}

	if err := p.ghClt.AddLabel(ctx, org, repo, intent.PR, LabelMerging); err != nil {
		return "", err
	}

	logger.Info(
		"merge branch prepared and pushed",
		logfields.Event("merge_branch_prepared"),
	)

	return mergeBranch, nil
}
