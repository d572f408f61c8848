package mergebot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/branchfmt"
	"github.com/simplesurance/mergebot/internal/logfields"
)

// Rebaser force-pushes a pull request branch rebased on its target branch.
type Rebaser struct {
	ghClt  GithubClient
	clones CloneProvider
	perms  PermissionEvaluator
	dryRun bool
	logger *zap.Logger
}

func NewRebaser(ghClt GithubClient, clones CloneProvider, perms PermissionEvaluator, dryRun bool) *Rebaser {
	return &Rebaser{
		ghClt:  ghClt,
		clones: clones,
		perms:  perms,
		dryRun: dryRun,
		logger: zap.L().Named("rebaser"),
	}
}

// Rebase rebases the pull request branch onto the base branch, folding
// fixup! and squash! commits, and force-pushes the result to the head ref.
//
// Only pull requests opened from a branch of the same repository can be
// rebased, the bot has no push access to forks.
func (r *Rebaser) Rebase(ctx context.Context, org, repo string, prNr int, requester string) error {
	logger := r.logger.With(
		logfields.RepositoryOwner(org),
		logfields.Repository(repo),
		logfields.PullRequest(prNr),
	)

	pr, err := r.ghClt.PullRequest(ctx, org, repo, prNr)
	if err != nil {
		return err
	}

	targetBranch := pr.GetBase().GetRef()
	headBranch := pr.GetHead().GetRef()

	if pr.GetHead().GetRepo().GetFullName() != fmt.Sprintf("%s/%s", org, repo) {
		return r.ghClt.CreateIssueComment(ctx, org, repo, prNr,
			"Sorry, I can only rebase branches of this repository, not forks.")
	}

	if branchfmt.IsProtectedBranch(headBranch) {
		return r.ghClt.CreateIssueComment(ctx, org, repo, prNr,
			fmt.Sprintf("Refusing to rebase protected branch %s.", headBranch))
	}

	clone, err := r.clones.Acquire(ctx, org, repo, targetBranch)
	if err != nil {
		return err
	}
	defer clone.Release()

	if err := clone.Fetch(ctx, originRemote, headBranch+":"+headBranch); err != nil {
		return err
	}

	if err := clone.Checkout(ctx, headBranch); err != nil {
		return err
	}

	allowed, err := r.perms.CanUserMerge(ctx, requester, org, repo, targetBranch, clone)
	if err != nil {
		return err
	}

	if !allowed {
		return &boterr.PermissionDeniedError{
			Username: requester,
			Reason:   "no push permission and not a declared maintainer of all modified addons",
		}
	}

	if err := clone.RebaseAutosquash(ctx, targetBranch); err != nil {
		return err
	}

	if r.dryRun {
		logger.Info(
			"dry run, skipping rebased branch push",
			logfields.Event("rebase_push_skipped_dry_run"),
		)

		return nil
	}

	if err := clone.Push(ctx, originRemote, headBranch, true); err != nil {
		return err
	}

	logger.Info("pull request branch rebased",
		logfields.Event("pull_request_rebased"),
		logfields.Branch(headBranch),
	)

	return r.ghClt.CreateIssueComment(ctx, org, repo, prNr, rebasedComment(headBranch))
}
