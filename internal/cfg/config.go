// Package cfg loads and validates the bot configuration file.
package cfg

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`
	GithubAPIToken            string `toml:"github_api_token"`
	LogFormat                 string `toml:"log_format" default:"logfmt"`
	LogLevel                  string `toml:"log_level" default:"info"`
	LogTimeKey                string `toml:"log_time_key"`

	MergeBot MergeBot `toml:"mergebot"`
}

type MergeBot struct {
	GitName  string `toml:"git_name" default:"oca-git-bot"`
	GitEmail string `toml:"git_email"`

	// CloneCacheDir holds bare repository mirrors that speed up scratch
	// clones. Empty means a temporary directory.
	CloneCacheDir string `toml:"clone_cache_dir"`

	DryRun bool `toml:"dry_run"`

	// MaintainerFallbackBranches are consulted, newest first, when an
	// addon does not exist on the merge target branch.
	MaintainerFallbackBranches []string `toml:"maintainer_fallback_branches"`

	// IgnoredStatusContexts are commit status contexts that never count
	// towards the CI verdict.
	IgnoredStatusContexts []string `toml:"ignored_status_contexts"`
	// IgnoredCheckSuiteApps are check suite app names that never count
	// towards the CI verdict.
	IgnoredCheckSuiteApps []string `toml:"ignored_check_suite_apps"`

	// DisabledTasks switches individual bot tasks off, e.g.
	// "migration_issue", "mention_maintainers", "whool_init".
	DisabledTasks []string `toml:"disabled_tasks"`

	// BuildCommand builds the distributable artifacts of one addon.
	// {addon_dir} is replaced with the addon directory, {dist_dir} with
	// the artifact output directory.
	BuildCommand []string `toml:"build_command"`

	// ChangelogCommand generates the changelog of one addon before its
	// version bump. {addon_dir} is replaced with the addon directory,
	// {version} with the post-bump version.
	ChangelogCommand []string `toml:"changelog_command"`

	// MainBranchActions are external generator commands that run on the
	// merge-bot branch before the version bump, e.g. addons table or
	// readme generation. Each entry that leaves the work tree dirty is
	// committed with its commit message.
	MainBranchActions []MainBranchAction `toml:"main_branch_action"`

	Publish Publish `toml:"publish"`
}

type MainBranchAction struct {
	// Task gates the action via the disabled_tasks list.
	Task          string   `toml:"task"`
	Command       []string `toml:"command"`
	CommitMessage string   `toml:"commit_message"`
}

type Publish struct {
	// RsyncTarget is the root of a simple-index directory tree,
	// local path or rsync remote. Empty disables rsync publishing.
	RsyncTarget string `toml:"rsync_target"`

	// UploadURL is a package index upload endpoint. Empty disables
	// index uploads.
	UploadURL      string `toml:"upload_url"`
	UploadUsername string `toml:"upload_username"`
	UploadPassword string `toml:"upload_password"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (r *Config) validate() error {
	if r.GithubAPIToken == "" {
		return fmt.Errorf("github_api_token must be set")
	}

	if r.HTTPListenAddr == "" && r.HTTPSListenAddr == "" {
		return fmt.Errorf("http_server_listen_addr or https_server_listen_addr must be set")
	}

	for _, action := range r.MergeBot.MainBranchActions {
		if len(action.Command) == 0 {
			return fmt.Errorf("main_branch_action %q: command must be set", action.Task)
		}
	}

	return nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}

// TaskEnabled returns false when name is listed in disabled_tasks.
func (m *MergeBot) TaskEnabled(name string) bool {
	for _, disabled := range m.DisabledTasks {
		if disabled == name {
			return false
		}
	}

	return true
}
