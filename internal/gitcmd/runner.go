// Package gitcmd runs git operations in local working copies.
//
// Clones are created from a per-repository bare mirror cache to avoid full
// re-clones. A ScratchClone is exclusive to the operation that acquired it
// and is removed on Release, the shared mirror is only ever touched by
// fetches.
package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/logfields"
)

// runner executes git and tool subprocesses.
// Secrets are replaced by "***" in all recorded command lines and outputs
// before they can end up in errors or logs.
type runner struct {
	logger  *zap.Logger
	env     []string
	secrets []string
}

func newRunner(logger *zap.Logger, env, secrets []string) *runner {
	return &runner{
		logger:  logger,
		env:     env,
		secrets: secrets,
	}
}

func (r *runner) redact(s string) string {
	for _, secret := range r.secrets {
		if secret == "" {
			continue
		}

		s = strings.ReplaceAll(s, secret, "***")
	}

	return s
}

func (r *runner) redactAll(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = r.redact(arg)
	}

	return result
}

// run executes a command in dir and returns its combined output.
// On a non-zero exit status a *boterr.ProcessError with the redacted command
// line and output is returned.
func (r *runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.env...)

	out, err := cmd.CombinedOutput()
	output := r.redact(string(out))

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}

		r.logger.Debug(
			"command failed",
			logfields.Event("command_failed"),
			zap.Strings("command", r.redactAll(args)),
			zap.Int("exit_code", exitCode),
			zap.String("output", output),
		)

		return output, &boterr.ProcessError{
			Command:  r.redactAll(args),
			ExitCode: exitCode,
			Output:   output,
		}
	}

	return output, nil
}

func (r *runner) git(ctx context.Context, dir string, args ...string) (string, error) {
	return r.run(ctx, dir, append([]string{"git"}, args...)...)
}

func asProcessErr(err error, target **boterr.ProcessError) bool {
	return errors.As(err, target)
}

func gitIdentityEnv(name, email string) []string {
	if name == "" || email == "" {
		return nil
	}

	return []string{
		fmt.Sprintf("GIT_AUTHOR_NAME=%s", name),
		fmt.Sprintf("GIT_AUTHOR_EMAIL=%s", email),
		fmt.Sprintf("GIT_COMMITTER_NAME=%s", name),
		fmt.Sprintf("GIT_COMMITTER_EMAIL=%s", email),
	}
}
