package mergebot

import (
	"context"

	"github.com/google/go-github/v43/github"

	"github.com/simplesurance/mergebot/internal/cistatus"
	"github.com/simplesurance/mergebot/internal/githubclt"
	"github.com/simplesurance/mergebot/internal/gitcmd"
	"github.com/simplesurance/mergebot/internal/permissions"
)

// GithubClient is the github API surface the bot uses.
type GithubClient interface {
	PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	UserCanPush(ctx context.Context, owner, repo, user string) (bool, error)
	BranchHeadSHA(ctx context.Context, owner, repo, branch string) (string, error)
	CommitChecks(ctx context.Context, owner, repo, sha string) ([]*cistatus.CommitStatus, []*cistatus.CheckSuite, error)
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	ClosePR(ctx context.Context, owner, repo string, number int) error
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
	FindIssueByTitle(ctx context.Context, owner, repo, title string) (*github.Issue, error)
	UpdateIssueBody(ctx context.Context, owner, repo string, number int, body string) error
	RawFileContent(ctx context.Context, owner, repo, branch, path string) (content []byte, found bool, err error)
	PRReviewDecision(ctx context.Context, owner, repo string, prNumber int) (githubclt.ReviewDecision, error)
}

// Clone is a disposable git working copy, see gitcmd.ScratchClone.
type Clone interface {
	Dir() string
	Release()
	Run(ctx context.Context, args ...string) error
	Fetch(ctx context.Context, remote string, refspecs ...string) error
	Checkout(ctx context.Context, ref string) error
	CreateBranch(ctx context.Context, name, base string) error
	Merge(ctx context.Context, branch, message string, noFF bool) error
	RebaseAutosquash(ctx context.Context, onto string) error
	Push(ctx context.Context, remote, refspec string, force bool) error
	DeleteRemoteBranch(ctx context.Context, remote, name string) error
	HeadSHA(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	DiffNames(ctx context.Context, ref string) ([]string, error)
	Commit(ctx context.Context, message string, paths ...string) error
	SoftReset(ctx context.Context, ref string) error
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	HasChanges(ctx context.Context) (bool, error)
}

// CloneProvider hands out scratch working copies of a repository branch.
type CloneProvider interface {
	Acquire(ctx context.Context, org, repo, branch string) (Clone, error)
}

// PermissionEvaluator decides if a user may trigger a merge or rebase.
type PermissionEvaluator interface {
	CanUserMerge(ctx context.Context, user, org, repo, targetBranch string, checkout permissions.Checkout) (bool, error)
}

type cloneCache struct {
	cache *gitcmd.Cache
}

// NewCloneProvider wraps a gitcmd cache into the CloneProvider interface.
func NewCloneProvider(cache *gitcmd.Cache) CloneProvider {
	return &cloneCache{cache: cache}
}

func (c *cloneCache) Acquire(ctx context.Context, org, repo, branch string) (Clone, error) {
	clone, err := c.cache.Acquire(ctx, org, repo, branch)
	if err != nil {
		return nil, err
	}

	return clone, nil
}
