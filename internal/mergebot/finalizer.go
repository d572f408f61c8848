package mergebot

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/branchfmt"
	"github.com/simplesurance/mergebot/internal/cfg"
	"github.com/simplesurance/mergebot/internal/logfields"
	"github.com/simplesurance/mergebot/internal/manifest"
	"github.com/simplesurance/mergebot/internal/pubindex"
)

// Finalizer lands a merge-bot branch on its target branch after CI passed.
type Finalizer struct {
	ghClt     GithubClient
	clones    CloneProvider
	publisher pubindex.Publisher
	conf      *cfg.MergeBot
	dryRun    bool
	logger    *zap.Logger
}

// NewFinalizer returns a finalizer.
// publisher may be nil when no package index is configured.
func NewFinalizer(ghClt GithubClient, clones CloneProvider, publisher pubindex.Publisher, conf *cfg.MergeBot) *Finalizer {
	return &Finalizer{
		ghClt:     ghClt,
		clones:    clones,
		publisher: publisher,
		conf:      conf,
		dryRun:    conf.DryRun,
		logger:    zap.L().Named("finalizer"),
	}
}

// Finalize bumps versions, regenerates release artifacts, publishes packages
// and fast-forwards the target branch onto the merge-bot branch.
//
// It returns false when the target branch moved since the merge-bot branch
// was prepared. The caller is expected to rerun the preparation, nothing was
// pushed in that case. Finalize is idempotent, it is safe to invoke it
// multiple times for the same branch.
//
// The push to the target branch is the last git-mutating step, a failure in
// any earlier step leaves the target branch untouched.
func (f *Finalizer) Finalize(ctx context.Context, org, repo, mergeBranch string) (bool, error) {
	intent, err := branchfmt.Decode(mergeBranch)
	if err != nil {
		return false, err
	}

	logger := f.logger.With(
		logfields.RepositoryOwner(org),
		logfields.Repository(repo),
		logfields.PullRequest(intent.PR),
		logfields.TargetBranch(intent.TargetBranch),
		logfields.Branch(mergeBranch),
	)

	clone, err := f.clones.Acquire(ctx, org, repo, intent.TargetBranch)
	if err != nil {
		return false, err
	}
	defer clone.Release()

	if err := clone.Fetch(ctx, originRemote, mergeBranch+":"+mergeBranch); err != nil {
		return false, fmt.Errorf("fetching merge branch failed: %w", err)
	}

	isFF, err := clone.IsAncestor(ctx, intent.TargetBranch, mergeBranch)
	if err != nil {
		return false, err
	}

	if !isFF {
		logger.Info(
			"target branch moved, merge branch must be recreated",
			logfields.Event("merge_finalize_non_fast_forward"),
		)

		return false, nil
	}

	addons, err := f.modifiedAddons(ctx, clone, intent)
	if err != nil {
		return false, err
	}

	if err := clone.Checkout(ctx, mergeBranch); err != nil {
		return false, err
	}

	preHead, err := clone.HeadSHA(ctx)
	if err != nil {
		return false, err
	}

	installable := f.installableAddons(clone.Dir(), addons)

	newVersions, err := f.plannedVersions(clone.Dir(), installable, intent.Bump)
	if err != nil {
		return false, err
	}

	if err := f.generateChangelogs(ctx, clone, newVersions); err != nil {
		return false, err
	}

	if len(addons) > 0 {
		if err := f.runMainBranchActions(ctx, clone); err != nil {
			return false, err
		}
	}

	if err := f.bumpVersions(ctx, clone, newVersions); err != nil {
		return false, err
	}

	if err := f.squashBotCommits(ctx, clone, preHead); err != nil {
		return false, err
	}

	// publishing happens before the push, a merged PR must never be
	// visible on the target branch without its published artifacts.
	// Nobump merges publish too, the artifact content changed even
	// though the version did not.
	if err := f.publishAddons(ctx, clone, installable); err != nil {
		return false, err
	}

	mergeSHA, err := clone.HeadSHA(ctx)
	if err != nil {
		return false, err
	}

	if f.dryRun {
		logger.Info(
			"dry run, skipping target branch push",
			logfields.Event("merge_finalize_skipped_dry_run"),
		)

		return true, f.ghClt.CreateIssueComment(ctx, org, repo, intent.PR, dryRunComment("merge"))
	}

	if err := clone.Push(ctx, originRemote, mergeBranch+":"+intent.TargetBranch, false); err != nil {
		return false, err
	}

	if err := clone.DeleteRemoteBranch(ctx, originRemote, mergeBranch); err != nil {
		return false, err
	}

	logger.Info(
		"target branch fast-forwarded",
		logfields.Event("merge_finalized"),
		logfields.Commit(mergeSHA),
	)

	return true, f.reportSuccess(ctx, org, repo, intent, sortedKeys(addons), mergeSHA)
}

// modifiedAddons computes the addons touched by the pull request itself, not
// by the merge-bot branch, intermediate bot commits may have touched
// unrelated files.
func (f *Finalizer) modifiedAddons(ctx context.Context, clone Clone, intent *branchfmt.MergeIntent) (map[string]struct{}, error) {
	tmpBranch := prTempBranch(intent.PR)
	refspec := fmt.Sprintf("pull/%d/head:%s", intent.PR, tmpBranch)
	if err := clone.Fetch(ctx, originRemote, refspec); err != nil {
		return nil, fmt.Errorf("fetching pull request head failed: %w", err)
	}

	if err := clone.Checkout(ctx, tmpBranch); err != nil {
		return nil, err
	}

	changedPaths, err := clone.DiffNames(ctx, intent.TargetBranch)
	if err != nil {
		return nil, err
	}

	addons, _ := manifest.ModifiedAddons(clone.Dir(), changedPaths)

	return addons, nil
}

// installableAddons filters the modified addons down to the ones that still
// exist on the merge branch and are installable, sorted by name.
func (f *Finalizer) installableAddons(cloneDir string, addons map[string]struct{}) []string {
	var result []string

	for _, addon := range sortedKeys(addons) {
		m, err := manifest.Read(cloneDir + "/" + addon)
		if err != nil {
			// the addon was removed by the pull request
			continue
		}

		if m.Installable {
			result = append(result, addon)
		}
	}

	return result
}

// plannedVersions computes the post-bump version per installable addon.
// The map is empty for nobump merges.
func (f *Finalizer) plannedVersions(cloneDir string, installable []string, bump branchfmt.BumpMode) (map[string]string, error) {
	result := map[string]string{}
	if bump == branchfmt.BumpNone {
		return result, nil
	}

	for _, addon := range installable {
		m, err := manifest.Read(cloneDir + "/" + addon)
		if err != nil {
			return nil, err
		}

		newVersion, err := manifest.BumpVersion(m.Version, string(bump))
		if err != nil {
			return nil, fmt.Errorf("addon %s: %w", addon, err)
		}

		result[addon] = newVersion
	}

	return result, nil
}

// generateChangelogs runs the changelog tool per bumped addon, with the
// post-bump version so the fragments reference the final number.
func (f *Finalizer) generateChangelogs(ctx context.Context, clone Clone, newVersions map[string]string) error {
	if len(f.conf.ChangelogCommand) == 0 || !f.conf.TaskEnabled("changelog") {
		return nil
	}

	for _, addon := range sortedKeys(newVersions) {
		cmd := substitutePlaceholders(f.conf.ChangelogCommand, map[string]string{
			"{addon_dir}": clone.Dir() + "/" + addon,
			"{addon}":     addon,
			"{version}":   newVersions[addon],
		})

		if err := clone.Run(ctx, cmd...); err != nil {
			return err
		}
	}

	return commitIfChanged(ctx, clone, "[BOT] Update changelog")
}

func (f *Finalizer) runMainBranchActions(ctx context.Context, clone Clone) error {
	for _, action := range f.conf.MainBranchActions {
		if !f.conf.TaskEnabled(action.Task) {
			continue
		}

		if err := clone.Run(ctx, action.Command...); err != nil {
			return err
		}

		message := action.CommitMessage
		if message == "" {
			message = fmt.Sprintf("[BOT] %s", action.Task)
		}

		if err := commitIfChanged(ctx, clone, message); err != nil {
			return err
		}
	}

	return nil
}

// bumpVersions rewrites the manifest versions, one commit per addon.
func (f *Finalizer) bumpVersions(ctx context.Context, clone Clone, newVersions map[string]string) error {
	for _, addon := range sortedKeys(newVersions) {
		version := newVersions[addon]

		if err := manifest.SetVersion(clone.Dir()+"/"+addon, version); err != nil {
			return err
		}

		if err := clone.Commit(ctx, fmt.Sprintf("[BOT] %s %s", addon, version), addon); err != nil {
			return err
		}
	}

	return nil
}

// squashBotCommits folds the changelog, generator and bump commits into a
// single commit to avoid commit-log noise from automated steps.
func (f *Finalizer) squashBotCommits(ctx context.Context, clone Clone, preHead string) error {
	head, err := clone.HeadSHA(ctx)
	if err != nil {
		return err
	}

	if head == preHead {
		return nil
	}

	if err := clone.SoftReset(ctx, preHead); err != nil {
		return err
	}

	return clone.Commit(ctx, "[BOT] post-merge updates")
}

func (f *Finalizer) publishAddons(ctx context.Context, clone Clone, addons []string) error {
	if f.publisher == nil || len(f.conf.BuildCommand) == 0 {
		return nil
	}

	for _, addon := range addons {
		distDir, err := os.MkdirTemp("", "mergebot-dist-")
		if err != nil {
			return err
		}

		cmd := substitutePlaceholders(f.conf.BuildCommand, map[string]string{
			"{addon_dir}": clone.Dir() + "/" + addon,
			"{addon}":     addon,
			"{dist_dir}":  distDir,
		})

		err = clone.Run(ctx, cmd...)
		if err == nil {
			err = f.publisher.Publish(ctx, distDir)
		}

		_ = os.RemoveAll(distDir)

		if err != nil {
			return err
		}
	}

	return nil
}

func (f *Finalizer) reportSuccess(ctx context.Context, org, repo string, intent *branchfmt.MergeIntent, addons []string, mergeSHA string) error {
	if err := f.ghClt.CreateIssueComment(ctx, org, repo, intent.PR, mergedComment(org, mergeSHA)); err != nil {
		return err
	}

	if err := f.ghClt.RemoveLabel(ctx, org, repo, intent.PR, LabelMerging); err != nil {
		return err
	}

	if err := f.ghClt.AddLabel(ctx, org, repo, intent.PR, LabelMerged); err != nil {
		return err
	}

	if err := f.ghClt.ClosePR(ctx, org, repo, intent.PR); err != nil {
		return err
	}

	if f.conf.TaskEnabled("migration_issue") {
		if err := updateMigrationIssue(ctx, f.ghClt, org, repo, intent, addons); err != nil {
			return err
		}
	}

	return nil
}

func commitIfChanged(ctx context.Context, clone Clone, message string) error {
	changed, err := clone.HasChanges(ctx)
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	return clone.Commit(ctx, message)
}

func substitutePlaceholders(command []string, replacements map[string]string) []string {
	result := make([]string, len(command))
	for i, arg := range command {
		for placeholder, value := range replacements {
			arg = strings.ReplaceAll(arg, placeholder, value)
		}

		result[i] = arg
	}

	return result
}

func sortedKeys[T any](m map[string]T) []string {
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}

	sort.Strings(result)

	return result
}
