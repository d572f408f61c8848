package gitcmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/logfields"
)

const loggerName = "gitcmd"

// Cache manages per-repository bare mirror clones and hands out scratch
// working copies created from them.
//
// The mirror of a repository may be fetched into concurrently by multiple
// workers, it is never mutated in any other way. Scratch clones are exclusive
// to their owner.
type Cache struct {
	baseDir  string
	host     string
	token    string
	gitName  string
	gitEmail string

	logger *zap.Logger

	mirrorLocks sync.Map // key: mirror path, value: *sync.Mutex
}

type CacheOpts struct {
	// BaseDir is the directory the mirrors are stored under.
	BaseDir string
	// Host is the git host, e.g. "github.com".
	Host string
	// Token is embedded into clone and push URLs and redacted from all
	// outputs.
	Token    string
	GitName  string
	GitEmail string
}

func NewCache(opts CacheOpts) *Cache {
	host := opts.Host
	if host == "" {
		host = "github.com"
	}

	return &Cache{
		baseDir:  opts.BaseDir,
		host:     host,
		token:    opts.Token,
		gitName:  opts.GitName,
		gitEmail: opts.GitEmail,
		logger:   zap.L().Named(loggerName),
	}
}

func (c *Cache) remoteURL(org, repo string) string {
	if c.token == "" {
		return fmt.Sprintf("https://%s/%s/%s", c.host, org, repo)
	}

	return fmt.Sprintf("https://%s@%s/%s/%s", c.token, c.host, org, repo)
}

func (c *Cache) mirrorPath(org, repo string) string {
	return filepath.Join(c.baseDir, c.host, org, repo+".git")
}

func (c *Cache) mirrorLock(path string) *sync.Mutex {
	lock, _ := c.mirrorLocks.LoadOrStore(path, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// refreshMirror creates or updates the bare mirror of org/repo.
func (c *Cache) refreshMirror(ctx context.Context, r *runner, org, repo string) (string, error) {
	path := c.mirrorPath(org, repo)

	lock := c.mirrorLock(path)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}

		c.logger.Debug(
			"creating repository mirror",
			logfields.Event("git_mirror_cloning"),
			logfields.RepositoryOwner(org),
			logfields.Repository(repo),
		)

		_, err := r.git(ctx, c.baseDir, "clone", "--mirror", c.remoteURL(org, repo), path)
		return path, err
	}

	_, err := r.git(ctx, path, "fetch", "--prune", "origin")
	return path, err
}

// Acquire clones org/repo via the mirror cache and checks out branch.
// The returned ScratchClone must be released by the caller, on every exit
// path.
func (c *Cache) Acquire(ctx context.Context, org, repo, branch string) (*ScratchClone, error) {
	logger := c.logger.With(
		logfields.RepositoryOwner(org),
		logfields.Repository(repo),
		logfields.Branch(branch),
	)

	r := newRunner(logger, gitIdentityEnv(c.gitName, c.gitEmail), []string{c.token})

	mirror, err := c.refreshMirror(ctx, r, org, repo)
	if err != nil {
		return nil, fmt.Errorf("refreshing mirror of %s/%s failed: %w", org, repo, err)
	}

	dir, err := os.MkdirTemp("", "mergebot-clone-")
	if err != nil {
		return nil, err
	}

	_, err = r.git(ctx, dir,
		"clone", "--branch", branch, "--reference", mirror,
		c.remoteURL(org, repo), dir,
	)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("cloning %s/%s@%s failed: %w", org, repo, branch, err)
	}

	logger.Debug("scratch clone created",
		logfields.Event("git_scratch_clone_created"),
	)

	return &ScratchClone{
		dir:    dir,
		runner: r,
		logger: logger,
	}, nil
}
