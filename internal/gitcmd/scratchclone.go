package gitcmd

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/logfields"
)

// ScratchClone is a disposable git working copy.
// It is exclusive to the operation that acquired it, intermediate commits on
// it are throwaway until they are pushed.
type ScratchClone struct {
	dir    string
	runner *runner
	logger *zap.Logger
}

// Dir returns the path of the working copy.
func (s *ScratchClone) Dir() string {
	return s.dir
}

// Release removes the working copy.
// It is safe to call multiple times.
func (s *ScratchClone) Release() {
	if s.dir == "" {
		return
	}

	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn(
			"removing scratch clone failed",
			logfields.Event("git_scratch_clone_removal_failed"),
			zap.Error(err),
		)
	}

	s.dir = ""
}

func (s *ScratchClone) git(ctx context.Context, args ...string) (string, error) {
	return s.runner.git(ctx, s.dir, args...)
}

// Run executes an arbitrary command in the working copy.
// It is used for the external changelog, readme and packaging generators.
func (s *ScratchClone) Run(ctx context.Context, args ...string) error {
	_, err := s.runner.run(ctx, s.dir, args...)
	return err
}

func (s *ScratchClone) Fetch(ctx context.Context, remote string, refspecs ...string) error {
	_, err := s.git(ctx, append([]string{"fetch", remote}, refspecs...)...)
	return err
}

func (s *ScratchClone) Checkout(ctx context.Context, ref string) error {
	_, err := s.git(ctx, "checkout", ref)
	return err
}

// CreateBranch creates or resets a local branch at base and checks it out.
func (s *ScratchClone) CreateBranch(ctx context.Context, name, base string) error {
	_, err := s.git(ctx, "checkout", "-B", name, base)
	return err
}

// Merge merges branch into the current branch.
// With noFF a merge commit is always created, otherwise only fast-forward
// merges are accepted.
func (s *ScratchClone) Merge(ctx context.Context, branch, message string, noFF bool) error {
	args := []string{"merge"}
	if noFF {
		args = append(args, "--no-ff", "-m", message)
	} else {
		args = append(args, "--ff-only")
	}

	_, err := s.git(ctx, append(args, branch)...)
	return err
}

// RebaseAutosquash rebases the current branch onto the given ref, folding
// fixup! and squash! commits.
func (s *ScratchClone) RebaseAutosquash(ctx context.Context, onto string) error {
	_, err := s.git(ctx,
		"-c", "sequence.editor=:",
		"rebase", "--interactive", "--autosquash", onto,
	)
	return err
}

func (s *ScratchClone) Push(ctx context.Context, remote, refspec string, force bool) error {
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}

	_, err := s.git(ctx, append(args, remote, refspec)...)
	return err
}

// DeleteRemoteBranch deletes a branch on the remote.
// A failure because the branch does not exist is not an error.
func (s *ScratchClone) DeleteRemoteBranch(ctx context.Context, remote, name string) error {
	out, err := s.git(ctx, "push", remote, "--delete", name)
	if err != nil {
		var processErr *boterr.ProcessError
		if ok := asProcessErr(err, &processErr); ok &&
			strings.Contains(out, "remote ref does not exist") {
			return nil
		}

		return err
	}

	return nil
}

func (s *ScratchClone) HeadSHA(ctx context.Context) (string, error) {
	out, err := s.git(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

func (s *ScratchClone) CurrentBranch(ctx context.Context) (string, error) {
	out, err := s.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// DiffNames returns the paths changed between ref and the current HEAD.
func (s *ScratchClone) DiffNames(ctx context.Context, ref string) ([]string, error) {
	out, err := s.git(ctx, "diff", "--name-only", ref, "--")
	if err != nil {
		return nil, err
	}

	var result []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result = append(result, line)
		}
	}

	return result, nil
}

// Commit records a commit of the given paths, or of all changed and new
// files when no path is passed.
func (s *ScratchClone) Commit(ctx context.Context, message string, paths ...string) error {
	args := []string{"commit", "-m", message}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	} else {
		// generators may have created untracked files, -a ignores those
		if _, err := s.git(ctx, "add", "--all"); err != nil {
			return err
		}
	}

	_, err := s.git(ctx, args...)
	return err
}

// SoftReset moves the current branch pointer to ref while keeping the
// work tree and index.
func (s *ScratchClone) SoftReset(ctx context.Context, ref string) error {
	_, err := s.git(ctx, "reset", "--soft", ref)
	return err
}

// IsAncestor returns true if ancestor is reachable from descendant, i.e.
// descendant can be fast-forwarded onto.
func (s *ScratchClone) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := s.git(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var processErr *boterr.ProcessError
		if asProcessErr(err, &processErr) && processErr.ExitCode == 1 {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// HasChanges returns true when the work tree or index differ from HEAD.
func (s *ScratchClone) HasChanges(ctx context.Context) (bool, error) {
	out, err := s.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}

	return strings.TrimSpace(out) != "", nil
}
