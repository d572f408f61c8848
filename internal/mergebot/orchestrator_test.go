package mergebot

import (
	"context"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-github/v43/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/branchfmt"
	"github.com/simplesurance/mergebot/internal/cfg"
	"github.com/simplesurance/mergebot/internal/cistatus"
	"github.com/simplesurance/mergebot/internal/mergebot/mocks"
	"github.com/simplesurance/mergebot/internal/permissions"
	"github.com/simplesurance/mergebot/internal/provider"
)

const org = "OCA"
const repoName = "testrepo"

const addon1Manifest = `name = "addon1"
version = "16.0.1.0.0"
maintainers = ["alice"]
`

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(_ context.Context, distDir string) error {
	f.published = append(f.published, distDir)
	return nil
}

// commentRecorder collects all comments the bot posts on the pull request.
func commentRecorder(clt *mocks.MockGithubClient, prNr int) *[]string {
	var comments []string

	clt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq(org), gomock.Eq(repoName), gomock.Eq(prNr), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ int, text string) error {
			comments = append(comments, text)
			return nil
		}).
		AnyTimes()

	return &comments
}

func assertCommentContaining(t *testing.T, comments *[]string, substring string) {
	t.Helper()

	for _, comment := range *comments {
		if strings.Contains(comment, substring) {
			return
		}
	}

	t.Errorf("no comment contains %q, posted comments: %q", substring, *comments)
}

func newTestRepo(t *testing.T) *fakeRepo {
	repo := newFakeRepo(t)

	repo.branches["16.0"] = map[string]string{
		"addon1/manifest.toml": addon1Manifest,
		"addon1/model.py":      "class Addon1: pass\n",
	}

	repo.prHeads[42] = map[string]string{
		"addon1/manifest.toml": addon1Manifest,
		"addon1/model.py":      "class Addon1: pass\n",
		"addon1/feature.py":    "def feature(): pass\n",
	}

	return repo
}

func newTestOrchestrator(t *testing.T, clt *mocks.MockGithubClient, repo *fakeRepo, conf *cfg.MergeBot, publisher *fakePublisher) *Orchestrator {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	perms := permissions.NewEvaluator(clt, conf.MaintainerFallbackBranches)

	return NewOrchestrator(
		clt,
		NewPreparer(clt, repo, perms, conf.DryRun),
		NewFinalizer(clt, repo, publisher, conf),
		NewRebaser(clt, repo, perms, conf.DryRun),
		cistatus.New(conf.IgnoredStatusContexts, conf.IgnoredCheckSuiteApps),
		conf,
		nil,
	)
}

func TestEndToEndMerge(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)

	repo.runFn = func(_ *fakeClone, args []string) error {
		require.Equal(t, "fakebuild", args[0])
		return nil
	}

	publisher := &fakePublisher{}
	conf := &cfg.MergeBot{
		BuildCommand: []string{"fakebuild", "{addon_dir}", "{dist_dir}"},
	}

	clt := mocks.NewMockGithubClient(mockCtrl)
	comments := commentRecorder(clt, 42)

	clt.EXPECT().
		PullRequest(gomock.Any(), org, repoName, 42).
		Return(&github.PullRequest{
			Base: &github.PullRequestBranch{Ref: github.String("16.0")},
		}, nil)

	clt.EXPECT().
		UserCanPush(gomock.Any(), org, repoName, "alice").
		Return(false, nil)

	clt.EXPECT().AddLabel(gomock.Any(), org, repoName, 42, LabelMerging)
	clt.EXPECT().AddLabel(gomock.Any(), org, repoName, 42, LabelMerged)
	clt.EXPECT().RemoveLabel(gomock.Any(), org, repoName, 42, LabelMerging)
	clt.EXPECT().ClosePR(gomock.Any(), org, repoName, 42)
	clt.EXPECT().
		FindIssueByTitle(gomock.Any(), org, repoName, "Migration to version 16.0").
		Return(nil, nil)

	o := newTestOrchestrator(t, clt, repo, conf, publisher)

	ctx := context.Background()
	require.NoError(t, o.StartMerge(ctx, org, repoName, 42, "alice", branchfmt.BumpPatch, StrategyMerge))

	mergeBranch := "16.0-ocabot-merge-pr-42-by-alice-bump-patch"
	require.Contains(t, repo.branches, mergeBranch,
		"merge branch was not pushed")
	assertCommentContaining(t, comments, mergeBranch)

	clt.EXPECT().
		BranchHeadSHA(gomock.Any(), org, repoName, mergeBranch).
		Return("head-1", nil)
	clt.EXPECT().
		CommitChecks(gomock.Any(), org, repoName, "head-1").
		Return([]*cistatus.CommitStatus{
			{Context: "ci/runboat", State: "success"},
		}, nil, nil)

	require.NoError(t, o.OnCIEvent(ctx, org, repoName, mergeBranch, "head-1"))

	assert.Contains(t, repo.branches["16.0"]["addon1/manifest.toml"], `version = "16.0.1.0.1"`,
		"addon version was not bumped on the target branch")
	assert.Contains(t, repo.branches["16.0"], "addon1/feature.py",
		"pull request change did not land on the target branch")

	assert.Len(t, publisher.published, 1, "exactly one package must be published")
	assert.Contains(t, repo.deletedRemotes, mergeBranch)
	assert.NotContains(t, repo.branches, mergeBranch, "merge branch must be deleted after the merge")

	assertCommentContaining(t, comments, "merged at")
}

func TestNobumpMergePublishesArtifacts(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)

	repo.runFn = func(_ *fakeClone, args []string) error {
		require.Equal(t, "fakebuild", args[0])
		return nil
	}

	publisher := &fakePublisher{}
	conf := &cfg.MergeBot{
		BuildCommand: []string{"fakebuild", "{addon_dir}", "{dist_dir}"},
	}

	clt := mocks.NewMockGithubClient(mockCtrl)
	commentRecorder(clt, 42)

	clt.EXPECT().
		PullRequest(gomock.Any(), org, repoName, 42).
		Return(&github.PullRequest{
			Base: &github.PullRequestBranch{Ref: github.String("16.0")},
		}, nil)
	clt.EXPECT().
		UserCanPush(gomock.Any(), org, repoName, "alice").
		Return(false, nil)
	clt.EXPECT().AddLabel(gomock.Any(), org, repoName, 42, LabelMerging)
	clt.EXPECT().AddLabel(gomock.Any(), org, repoName, 42, LabelMerged)
	clt.EXPECT().RemoveLabel(gomock.Any(), org, repoName, 42, LabelMerging)
	clt.EXPECT().ClosePR(gomock.Any(), org, repoName, 42)
	clt.EXPECT().
		FindIssueByTitle(gomock.Any(), org, repoName, "Migration to version 16.0").
		Return(nil, nil)

	o := newTestOrchestrator(t, clt, repo, conf, publisher)

	ctx := context.Background()
	require.NoError(t, o.StartMerge(ctx, org, repoName, 42, "alice", branchfmt.BumpNone, StrategyMerge))

	mergeBranch := "16.0-ocabot-merge-pr-42-by-alice-bump-no"
	require.Contains(t, repo.branches, mergeBranch)

	clt.EXPECT().
		BranchHeadSHA(gomock.Any(), org, repoName, mergeBranch).
		Return("head-1", nil)
	clt.EXPECT().
		CommitChecks(gomock.Any(), org, repoName, "head-1").
		Return([]*cistatus.CommitStatus{
			{Context: "ci/runboat", State: "success"},
		}, nil, nil)

	require.NoError(t, o.OnCIEvent(ctx, org, repoName, mergeBranch, "head-1"))

	assert.Len(t, publisher.published, 1,
		"a modified installable addon must be published also for nobump merges")
	assert.Contains(t, repo.branches["16.0"]["addon1/manifest.toml"], `version = "16.0.1.0.0"`,
		"nobump must leave the addon version untouched")
	assert.Contains(t, repo.branches["16.0"], "addon1/feature.py")
	assert.NotContains(t, repo.branches, mergeBranch)
}

func TestFinalizeNonFastForwardRetriggersPrepare(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)
	conf := &cfg.MergeBot{}

	clt := mocks.NewMockGithubClient(mockCtrl)
	comments := commentRecorder(clt, 42)

	clt.EXPECT().
		PullRequest(gomock.Any(), org, repoName, 42).
		Return(&github.PullRequest{
			Base: &github.PullRequestBranch{Ref: github.String("16.0")},
		}, nil)
	clt.EXPECT().
		UserCanPush(gomock.Any(), org, repoName, "alice").
		Return(true, nil).
		Times(2)
	clt.EXPECT().
		AddLabel(gomock.Any(), org, repoName, 42, LabelMerging).
		Times(2)

	o := newTestOrchestrator(t, clt, repo, conf, nil)

	ctx := context.Background()
	require.NoError(t, o.StartMerge(ctx, org, repoName, 42, "alice", branchfmt.BumpPatch, StrategyMerge))

	mergeBranch := "16.0-ocabot-merge-pr-42-by-alice-bump-patch"
	require.Contains(t, repo.branches, mergeBranch)

	// the target branch advances while CI was running
	repo.targetMoved = true

	clt.EXPECT().
		BranchHeadSHA(gomock.Any(), org, repoName, mergeBranch).
		Return("head-1", nil)
	clt.EXPECT().
		CommitChecks(gomock.Any(), org, repoName, "head-1").
		Return([]*cistatus.CommitStatus{
			{Context: "ci/runboat", State: "success"},
		}, nil, nil)

	require.NoError(t, o.OnCIEvent(ctx, org, repoName, mergeBranch, "head-1"))

	for _, push := range repo.pushes {
		assert.NotContains(t, push, ":16.0", "nothing must be pushed to the target branch")
	}

	pushCnt := 0
	for _, push := range repo.pushes {
		if push == mergeBranch {
			pushCnt++
		}
	}
	assert.Equal(t, 2, pushCnt, "the merge branch must have been prepared twice")

	assert.Contains(t, repo.branches["16.0"]["addon1/manifest.toml"], `version = "16.0.1.0.0"`,
		"the addon version must be unchanged")
	assertCommentContaining(t, comments, "trying again")
}

func TestCIFailureRejectsMerge(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)

	clt := mocks.NewMockGithubClient(mockCtrl)
	comments := commentRecorder(clt, 42)

	mergeBranch := "16.0-ocabot-merge-pr-42-by-alice-bump-patch"

	clt.EXPECT().
		BranchHeadSHA(gomock.Any(), org, repoName, mergeBranch).
		Return("head-1", nil)
	clt.EXPECT().
		CommitChecks(gomock.Any(), org, repoName, "head-1").
		Return([]*cistatus.CommitStatus{
			{Context: "ci/runboat", State: "failure"},
		}, nil, nil)
	clt.EXPECT().DeleteBranch(gomock.Any(), org, repoName, mergeBranch)
	clt.EXPECT().RemoveLabel(gomock.Any(), org, repoName, 42, LabelMerging)

	o := newTestOrchestrator(t, clt, repo, &cfg.MergeBot{}, nil)

	require.NoError(t, o.OnCIEvent(context.Background(), org, repoName, mergeBranch, "head-1"))

	assertCommentContaining(t, comments, "checks failed")
}

func TestStaleCIEventIsDropped(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)

	clt := mocks.NewMockGithubClient(mockCtrl)

	mergeBranch := "16.0-ocabot-merge-pr-42-by-alice-bump-patch"

	// the branch moved since the event was delivered, CommitChecks must
	// not be queried
	clt.EXPECT().
		BranchHeadSHA(gomock.Any(), org, repoName, mergeBranch).
		Return("head-2", nil)

	o := newTestOrchestrator(t, clt, repo, &cfg.MergeBot{}, nil)

	require.NoError(t, o.OnCIEvent(context.Background(), org, repoName, mergeBranch, "head-1"))
}

func TestCIEventForDeletedBranchIsDropped(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)

	clt := mocks.NewMockGithubClient(mockCtrl)

	mergeBranch := "16.0-ocabot-merge-pr-42-by-alice-bump-patch"

	clt.EXPECT().
		BranchHeadSHA(gomock.Any(), org, repoName, mergeBranch).
		Return("", nil)

	o := newTestOrchestrator(t, clt, repo, &cfg.MergeBot{}, nil)

	require.NoError(t, o.OnCIEvent(context.Background(), org, repoName, mergeBranch, "head-1"))
}

func TestPermissionDeniedMerge(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)

	clt := mocks.NewMockGithubClient(mockCtrl)
	comments := commentRecorder(clt, 42)

	clt.EXPECT().
		PullRequest(gomock.Any(), org, repoName, 42).
		Return(&github.PullRequest{
			Base: &github.PullRequestBranch{Ref: github.String("16.0")},
		}, nil)
	clt.EXPECT().
		UserCanPush(gomock.Any(), org, repoName, "bob").
		Return(false, nil)

	o := newTestOrchestrator(t, clt, repo, &cfg.MergeBot{}, nil)

	ctx := context.Background()
	err := o.StartMerge(ctx, org, repoName, 42, "bob", branchfmt.BumpPatch, StrategyMerge)
	require.Error(t, err)

	var permErr *boterr.PermissionDeniedError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, "bob", permErr.Username)

	assert.Empty(t, repo.pushes, "no branch must be pushed for a denied merge")

	require.NoError(t, o.reportTaskError(ctx, org, repoName, 42, err))
	assertCommentContaining(t, comments, "not allowed to merge")
}

func TestRebaseCommand(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)

	repo.branches["fix-1"] = copyFiles(repo.prHeads[42])

	clt := mocks.NewMockGithubClient(mockCtrl)
	comments := commentRecorder(clt, 42)

	clt.EXPECT().
		PullRequest(gomock.Any(), org, repoName, 42).
		Return(&github.PullRequest{
			Base: &github.PullRequestBranch{Ref: github.String("16.0")},
			Head: &github.PullRequestBranch{
				Ref:  github.String("fix-1"),
				Repo: &github.Repository{FullName: github.String(org + "/" + repoName)},
			},
		}, nil)
	clt.EXPECT().
		UserCanPush(gomock.Any(), org, repoName, "alice").
		Return(true, nil)

	o := newTestOrchestrator(t, clt, repo, &cfg.MergeBot{}, nil)

	require.NoError(t, o.rebaser.Rebase(context.Background(), org, repoName, 42, "alice"))

	assert.Contains(t, repo.pushes, "fix-1")
	assertCommentContaining(t, comments, "rebased successfully")
}

func TestEventLoopInvalidCommand(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	repo := newTestRepo(t)

	clt := mocks.NewMockGithubClient(mockCtrl)

	commented := make(chan struct{})
	clt.EXPECT().
		CreateIssueComment(gomock.Any(), org, repoName, 42, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ int, text string) error {
			assert.Contains(t, text, "Supported commands")
			close(commented)
			return nil
		})

	o := newTestOrchestrator(t, clt, repo, &cfg.MergeBot{}, nil)

	go o.Start()

	o.C() <- &provider.Event{
		Provider:      "github",
		EventType:     "issue_comment",
		Owner:         org,
		Repository:    repoName,
		PullRequestNr: 42,
		Sender:        "alice",
		CommentBody:   "/ocabot selfdestruct",
	}

	<-commented
	o.Stop()
}
