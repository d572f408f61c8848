package mergebot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// fakeRepo simulates the remote side of a repository, it hands out
// fakeClones whose git operations work on real files in a temp directory.
type fakeRepo struct {
	t *testing.T

	// branches holds the file contents per remote branch.
	branches map[string]map[string]string
	// prHeads holds the file contents of pull request head refs.
	prHeads map[int]map[string]string

	// targetMoved simulates a target branch that advanced since the
	// merge branch was created.
	targetMoved bool

	// runFn is invoked for Clone.Run calls, it simulates external tools.
	runFn func(clone *fakeClone, args []string) error

	pushes         []string
	deletedRemotes []string
	runCommands    [][]string
}

func newFakeRepo(t *testing.T) *fakeRepo {
	return &fakeRepo{
		t:        t,
		branches: map[string]map[string]string{},
		prHeads:  map[int]map[string]string{},
	}
}

func (r *fakeRepo) Acquire(_ context.Context, _, _, branch string) (Clone, error) {
	files, exist := r.branches[branch]
	if !exist {
		return nil, fmt.Errorf("branch %s does not exist", branch)
	}

	clone := &fakeClone{
		repo:    r,
		dir:     r.t.TempDir(),
		current: branch,
		local:   map[string]map[string]string{branch: copyFiles(files)},
	}
	clone.materialize()

	return clone, nil
}

type fakeClone struct {
	repo    *fakeRepo
	dir     string
	current string
	local   map[string]map[string]string
	commits int
}

func copyFiles(files map[string]string) map[string]string {
	result := make(map[string]string, len(files))
	for k, v := range files {
		result[k] = v
	}

	return result
}

// materialize replaces the working tree content with the current branch.
func (c *fakeClone) materialize() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.repo.t.Fatal(err)
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, entry.Name())); err != nil {
			c.repo.t.Fatal(err)
		}
	}

	for path, content := range c.local[c.current] {
		p := filepath.Join(c.dir, path)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			c.repo.t.Fatal(err)
		}

		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			c.repo.t.Fatal(err)
		}
	}
}

// workTree reads the current file state back from disk.
func (c *fakeClone) workTree() map[string]string {
	result := map[string]string{}

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		result[filepath.ToSlash(rel)] = string(content)

		return nil
	})
	if err != nil {
		c.repo.t.Fatal(err)
	}

	return result
}

func (c *fakeClone) Dir() string { return c.dir }

func (c *fakeClone) Release() {}

func (c *fakeClone) Run(_ context.Context, args ...string) error {
	c.repo.runCommands = append(c.repo.runCommands, args)

	if c.repo.runFn != nil {
		return c.repo.runFn(c, args)
	}

	return nil
}

func (c *fakeClone) Fetch(_ context.Context, _ string, refspecs ...string) error {
	for _, refspec := range refspecs {
		src, dst, found := strings.Cut(refspec, ":")
		if !found {
			dst = src
		}

		if strings.HasPrefix(src, "pull/") {
			prNr, err := strconv.Atoi(strings.Split(src, "/")[1])
			if err != nil {
				return err
			}

			files, exist := c.repo.prHeads[prNr]
			if !exist {
				return fmt.Errorf("pull request %d does not exist", prNr)
			}

			c.local[dst] = copyFiles(files)
			continue
		}

		files, exist := c.repo.branches[src]
		if !exist {
			return fmt.Errorf("remote branch %s does not exist", src)
		}

		c.local[dst] = copyFiles(files)
	}

	return nil
}

func (c *fakeClone) Checkout(_ context.Context, ref string) error {
	if _, exist := c.local[ref]; !exist {
		return fmt.Errorf("branch %s does not exist locally", ref)
	}

	c.local[c.current] = c.workTree()
	c.current = ref
	c.materialize()

	return nil
}

func (c *fakeClone) CreateBranch(_ context.Context, name, base string) error {
	baseFiles, exist := c.local[base]
	if !exist {
		return fmt.Errorf("base branch %s does not exist locally", base)
	}

	c.local[c.current] = c.workTree()
	c.local[name] = copyFiles(baseFiles)
	c.current = name
	c.materialize()

	return nil
}

func (c *fakeClone) Merge(_ context.Context, branch, _ string, _ bool) error {
	work := c.workTree()
	for path, content := range c.local[branch] {
		work[path] = content
	}

	c.local[c.current] = work
	c.commits++
	c.materialize()

	return nil
}

func (c *fakeClone) RebaseAutosquash(context.Context, string) error { return nil }

func (c *fakeClone) Push(_ context.Context, _, refspec string, force bool) error {
	c.repo.pushes = append(c.repo.pushes, refspec)

	src, dst, found := strings.Cut(refspec, ":")
	if !found {
		dst = src
	}

	if force {
		c.repo.branches[dst] = copyFiles(c.local[src])
		return nil
	}

	if src == c.current {
		c.repo.branches[dst] = c.workTree()
	} else {
		c.repo.branches[dst] = copyFiles(c.local[src])
	}

	return nil
}

func (c *fakeClone) DeleteRemoteBranch(_ context.Context, _, name string) error {
	c.repo.deletedRemotes = append(c.repo.deletedRemotes, name)
	delete(c.repo.branches, name)

	return nil
}

func (c *fakeClone) HeadSHA(context.Context) (string, error) {
	return fmt.Sprintf("sha-%d", c.commits), nil
}

func (c *fakeClone) CurrentBranch(context.Context) (string, error) {
	return c.current, nil
}

func (c *fakeClone) DiffNames(_ context.Context, ref string) ([]string, error) {
	refFiles, exist := c.local[ref]
	if !exist {
		return nil, fmt.Errorf("branch %s does not exist locally", ref)
	}

	work := c.workTree()

	var result []string
	for path, content := range work {
		if refContent, ok := refFiles[path]; !ok || refContent != content {
			result = append(result, path)
		}
	}

	for path := range refFiles {
		if _, ok := work[path]; !ok {
			result = append(result, path)
		}
	}

	return result, nil
}

func (c *fakeClone) Commit(context.Context, string, ...string) error {
	c.local[c.current] = c.workTree()
	c.commits++

	return nil
}

func (c *fakeClone) SoftReset(_ context.Context, ref string) error {
	commits, err := strconv.Atoi(strings.TrimPrefix(ref, "sha-"))
	if err != nil {
		return err
	}

	c.commits = commits

	return nil
}

func (c *fakeClone) IsAncestor(context.Context, string, string) (bool, error) {
	return !c.repo.targetMoved, nil
}

func (c *fakeClone) HasChanges(context.Context) (bool, error) {
	work := c.workTree()
	current := c.local[c.current]

	if len(work) != len(current) {
		return true, nil
	}

	for path, content := range work {
		if current[path] != content {
			return true, nil
		}
	}

	return false, nil
}
