// Package pubindex publishes built package artifacts to package indexes.
package pubindex

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/logfields"
)

const loggerName = "pubindex"

// Publisher uploads all artifacts in a dist directory to a package index.
type Publisher interface {
	Publish(ctx context.Context, distDir string) error
}

// MultiPublisher fans a publish out to multiple publishers.
// Publishing stops at the first failing publisher.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Add(p Publisher) {
	m.publishers = append(m.publishers, p)
}

func (m *MultiPublisher) Publish(ctx context.Context, distDir string) error {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, distDir); err != nil {
			return err
		}
	}

	return nil
}

// RsyncPublisher publishes into a PEP 503 style simple index directory tree
// via rsync. Existing files are never overwritten.
type RsyncPublisher struct {
	target string
	dryRun bool
	logger *zap.Logger
}

func NewRsyncPublisher(target string, dryRun bool) *RsyncPublisher {
	return &RsyncPublisher{
		target: target,
		dryRun: dryRun,
		logger: zap.L().Named(loggerName),
	}
}

func (p *RsyncPublisher) Publish(ctx context.Context, distDir string) error {
	pkgName, err := packageNameFromDistDir(distDir)
	if err != nil {
		return err
	}

	// --ignore-existing: never overwrite a published artifact
	cmd := []string{
		"rsync", "-rv", "--ignore-existing", "--no-perms", "--chmod=ugo=rwX",
		distDir + string(os.PathSeparator),
		filepath.Join(p.target, pkgName) + string(os.PathSeparator),
	}

	if p.dryRun {
		p.logger.Info("dry run, skipping rsync",
			logfields.Event("publish_skipped_dry_run"),
			zap.Strings("command", cmd),
		)

		return nil
	}

	if err := runPublishCommand(ctx, cmd); err != nil {
		return &boterr.PublishError{Filename: pkgName, Reason: err}
	}

	return nil
}

// UploadPublisher publishes via an authenticated upload tool to a package
// index repository URL.
type UploadPublisher struct {
	repositoryURL string
	username      string
	password      string
	dryRun        bool
	logger        *zap.Logger
}

func NewUploadPublisher(repositoryURL, username, password string, dryRun bool) *UploadPublisher {
	return &UploadPublisher{
		repositoryURL: repositoryURL,
		username:      username,
		password:      password,
		dryRun:        dryRun,
		logger:        zap.L().Named(loggerName),
	}
}

func (p *UploadPublisher) Publish(ctx context.Context, distDir string) error {
	artifacts, err := artifactsIn(distDir)
	if err != nil {
		return err
	}

	if len(artifacts) == 0 {
		return &boterr.PublishError{
			Filename: distDir,
			Reason:   fmt.Errorf("no artifacts found in dist directory"),
		}
	}

	cmd := []string{
		"twine", "upload",
		"--repository-url", p.repositoryURL,
		"--username", p.username,
		"--password", p.password,
		"--skip-existing",
	}
	cmd = append(cmd, artifacts...)

	if p.dryRun {
		p.logger.Info("dry run, skipping upload",
			logfields.Event("publish_skipped_dry_run"),
			zap.Strings("artifacts", artifacts),
		)

		return nil
	}

	if err := runPublishCommand(ctx, cmd); err != nil {
		return &boterr.PublishError{Filename: filepath.Base(artifacts[0]), Reason: err}
	}

	return nil
}

func runPublishCommand(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}

		return &boterr.ProcessError{
			Command:  args,
			ExitCode: exitCode,
			Output:   string(out),
		}
	}

	return nil
}

// packageNameFromDistDir derives the package name from the artifact
// filenames in distDir. All artifacts must belong to the same package.
func packageNameFromDistDir(distDir string) (string, error) {
	artifacts, err := artifactsIn(distDir)
	if err != nil {
		return "", err
	}

	pkgName := ""
	for _, artifact := range artifacts {
		name := strings.ReplaceAll(
			strings.SplitN(filepath.Base(artifact), "-", 2)[0], "_", "-")

		if pkgName != "" && name != pkgName {
			return "", &boterr.PublishError{
				Filename: filepath.Base(artifact),
				Reason:   fmt.Errorf("multiple package names in %s", distDir),
			}
		}

		pkgName = name
	}

	if pkgName == "" {
		return "", &boterr.PublishError{
			Filename: distDir,
			Reason:   fmt.Errorf("no artifacts found in dist directory"),
		}
	}

	return pkgName, nil
}

func artifactsIn(distDir string) ([]string, error) {
	entries, err := os.ReadDir(distDir)
	if err != nil {
		return nil, err
	}

	var result []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch filepath.Ext(entry.Name()) {
		case ".whl", ".gz", ".zip":
			result = append(result, filepath.Join(distDir, entry.Name()))
		}
	}

	return result, nil
}
