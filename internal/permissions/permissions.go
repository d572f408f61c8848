// Package permissions decides if a user may trigger a merge or rebase for a
// pull request.
package permissions

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/logfields"
	"github.com/simplesurance/mergebot/internal/manifest"
)

const loggerName = "permissions"

// GithubClient is the subset of the github client used by the evaluator.
type GithubClient interface {
	UserCanPush(ctx context.Context, owner, repo, user string) (bool, error)
	RawFileContent(ctx context.Context, owner, repo, branch, path string) (content []byte, found bool, err error)
}

// Checkout is a local git working copy of the pull request branch.
type Checkout interface {
	Dir() string
	CurrentBranch(ctx context.Context) (string, error)
	Checkout(ctx context.Context, ref string) error
	DiffNames(ctx context.Context, ref string) ([]string, error)
}

// Evaluator decides merge permissions.
//
// A user may merge when they have direct push rights on the repository, or
// when they are a declared maintainer of every addon the pull request
// touches. Maintainership is read from the addon manifests on the target
// branch; addons unknown there may instead be maintained as declared on one
// of the configured fallback branches, which are consulted through the raw
// file endpoint without a checkout.
type Evaluator struct {
	ghClient         GithubClient
	fallbackBranches []string
	logger           *zap.Logger
}

func NewEvaluator(ghClient GithubClient, fallbackBranches []string) *Evaluator {
	return &Evaluator{
		ghClient:         ghClient,
		fallbackBranches: fallbackBranches,
		logger:           zap.L().Named(loggerName),
	}
}

// CanUserMerge evaluates if user may merge the current branch of checkout
// into targetBranch.
//
// The checkout must have the pull request branch checked out. The method
// temporarily checks out targetBranch to read the manifests and restores the
// original branch before returning.
//
// A pull request touching anything outside addon directories can never be
// self-approved by an addon maintainer. A missing manifest means "not a
// maintainer", it is not an error.
func (e *Evaluator) CanUserMerge(ctx context.Context, user, org, repo, targetBranch string, checkout Checkout) (bool, error) {
	logger := e.logger.With(
		logfields.RepositoryOwner(org),
		logfields.Repository(repo),
		logfields.TargetBranch(targetBranch),
		zap.String("github.user", user),
	)

	canPush, err := e.ghClient.UserCanPush(ctx, org, repo, user)
	if err != nil {
		return false, fmt.Errorf("querying push permission failed: %w", err)
	}

	if canPush {
		logger.Debug("user has direct push permission",
			logfields.Event("permission_push_rights"),
		)

		return true, nil
	}

	changedPaths, err := checkout.DiffNames(ctx, targetBranch)
	if err != nil {
		return false, err
	}

	addons, otherChanges := manifest.ModifiedAddons(checkout.Dir(), changedPaths)
	if otherChanges || len(addons) == 0 {
		logger.Debug("denied, pull request modifies files outside addon directories",
			logfields.Event("permission_denied_non_addon_changes"),
		)

		return false, nil
	}

	allMaintained, err := e.maintainsAllOnBranch(ctx, user, targetBranch, addons, checkout)
	if err != nil {
		return false, err
	}

	if allMaintained {
		logger.Debug("user is maintainer of all modified addons",
			logfields.Event("permission_maintainer"),
		)

		return true, nil
	}

	return e.maintainsAllOnFallbackBranches(ctx, logger, user, org, repo, targetBranch, addons)
}

// maintainsAllOnBranch checks out branch and verifies that user is declared
// maintainer of every addon there.
func (e *Evaluator) maintainsAllOnBranch(ctx context.Context, user, branch string, addons map[string]struct{}, checkout Checkout) (result bool, err error) {
	currentBranch, err := checkout.CurrentBranch(ctx)
	if err != nil {
		return false, err
	}

	if err := checkout.Checkout(ctx, branch); err != nil {
		return false, err
	}

	defer func() {
		if restoreErr := checkout.Checkout(ctx, currentBranch); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}()

	for addon := range addons {
		m, readErr := manifest.Read(addonDir(checkout.Dir(), addon))
		if readErr != nil {
			// includes the addon not existing on the branch
			return false, nil
		}

		if !contains(m.Maintainers, user) {
			return false, nil
		}
	}

	return true, nil
}

// maintainsAllOnFallbackBranches verifies that every addon declares the user
// as maintainer on at least one fallback branch. The manifests are fetched
// via the raw file endpoint, no checkout is needed.
func (e *Evaluator) maintainsAllOnFallbackBranches(ctx context.Context, logger *zap.Logger, user, org, repo, targetBranch string, addons map[string]struct{}) (bool, error) {
	branches := make([]string, 0, len(e.fallbackBranches))
	for _, branch := range e.fallbackBranches {
		if branch != targetBranch {
			branches = append(branches, branch)
		}
	}

	if len(branches) == 0 {
		return false, nil
	}

	for addon := range addons {
		maintained := false

		for _, branch := range branches {
			m, err := e.fetchManifest(ctx, org, repo, branch, addon)
			if err != nil {
				return false, err
			}

			if m != nil && contains(m.Maintainers, user) {
				maintained = true
				break
			}
		}

		if !maintained {
			logger.Debug("denied, addon is not maintained by the user on any fallback branch",
				logfields.Event("permission_denied_not_maintainer"),
				logfields.Addon(addon),
			)

			return false, nil
		}
	}

	return true, nil
}

func (e *Evaluator) fetchManifest(ctx context.Context, org, repo, branch, addon string) (*manifest.Manifest, error) {
	for _, name := range manifest.ManifestNames {
		content, found, err := e.ghClient.RawFileContent(ctx, org, repo, branch, addon+"/"+name)
		if err != nil {
			return nil, err
		}

		if !found {
			continue
		}

		m, err := manifest.Parse(content)
		if err != nil {
			// an unparsable manifest on a sibling branch grants nothing
			return nil, nil
		}

		return m, nil
	}

	return nil, nil
}

func addonDir(checkoutDir, addon string) string {
	return checkoutDir + "/" + addon
}

func contains(sl []string, s string) bool {
	for _, elem := range sl {
		if elem == s {
			return true
		}
	}

	return false
}
