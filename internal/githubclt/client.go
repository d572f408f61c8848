// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/cistatus"
	"github.com/simplesurance/mergebot/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		httpClt:    httpClient,
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// All methods return a boterr.RetryableError when an operation can be
// retried. This is e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	httpClt    *http.Client
	logger     *zap.Logger
}

// PullRequest returns the pull request object.
func (clt *Client) PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	return pr, nil
}

// UserCanPush returns true if the user has direct push permission on the
// repository.
func (clt *Client) UserCanPush(ctx context.Context, owner, repo, user string) (bool, error) {
	perm, _, err := clt.restClt.Repositories.GetPermissionLevel(ctx, owner, repo, user)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			// not a collaborator
			return false, nil
		}

		return false, clt.wrapRetryableErrors(err)
	}

	switch perm.GetPermission() {
	case "admin", "write":
		return true, nil
	}

	return false, nil
}

// BranchHeadSHA returns the SHA the branch currently points to.
// If the branch does not exist, an empty string is returned.
func (clt *Client) BranchHeadSHA(ctx context.Context, owner, repo, branch string) (string, error) {
	br, _, err := clt.restClt.Repositories.GetBranch(ctx, owner, repo, branch, false)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			return "", nil
		}

		return "", clt.wrapRetryableErrors(err)
	}

	return br.GetCommit().GetSHA(), nil
}

// CommitChecks retrieves the commit statuses and check suites of a commit,
// converted into the aggregator's signal types.
func (clt *Client) CommitChecks(ctx context.Context, owner, repo, sha string) ([]*cistatus.CommitStatus, []*cistatus.CheckSuite, error) {
	var statuses []*cistatus.CommitStatus

	listOpts := github.ListOptions{PerPage: 100}
	for {
		combined, resp, err := clt.restClt.Repositories.GetCombinedStatus(ctx, owner, repo, sha, &listOpts)
		if err != nil {
			return nil, nil, clt.wrapRetryableErrors(err)
		}

		for _, status := range combined.Statuses {
			statuses = append(statuses, &cistatus.CommitStatus{
				Context: status.GetContext(),
				State:   status.GetState(),
			})
		}

		if resp.NextPage == 0 {
			break
		}

		listOpts.Page = resp.NextPage
	}

	var suites []*cistatus.CheckSuite

	suiteOpts := github.ListCheckSuiteOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		result, resp, err := clt.restClt.Checks.ListCheckSuitesForRef(ctx, owner, repo, sha, &suiteOpts)
		if err != nil {
			return nil, nil, clt.wrapRetryableErrors(err)
		}

		for _, suite := range result.CheckSuites {
			runCnt, err := clt.checkRunCount(ctx, owner, repo, suite.GetID())
			if err != nil {
				return nil, nil, err
			}

			suites = append(suites, &cistatus.CheckSuite{
				App:           suite.GetApp().GetName(),
				Status:        suite.GetStatus(),
				Conclusion:    suite.GetConclusion(),
				CheckRunCount: runCnt,
			})
		}

		if resp.NextPage == 0 {
			break
		}

		suiteOpts.Page = resp.NextPage
	}

	return statuses, suites, nil
}

func (clt *Client) checkRunCount(ctx context.Context, owner, repo string, suiteID int64) (int, error) {
	result, _, err := clt.restClt.Checks.ListCheckRunsCheckSuite(ctx, owner, repo, suiteID,
		&github.ListCheckRunsOptions{
			ListOptions: github.ListOptions{PerPage: 1},
		})
	if err != nil {
		return 0, clt.wrapRetryableErrors(err)
	}

	return result.GetTotal(), nil
}

// CreateIssueComment creates a comment in an issue or pull request.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// AddLabel adds a label to a pull request or issue.
func (clt *Client) AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	if label == "" {
		// by default github removes all labels when none is provided,
		// we do not need this functionality, as safe guard fail if
		// because of a bug an empty label value is passed:
		return errors.New("provided label is empty")
	}
	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, []string{label})
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a pull request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(
		ctx,
		owner,
		repo,
		pullRequestOrIssueNumber,
		label,
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusNotFound {
				clt.logger.Debug("removing label returned a not found response, interpreting it as success",
					logfields.RepositoryOwner(owner),
					logfields.Repository(repo),
					logfields.PullRequest(pullRequestOrIssueNumber),
					logfields.Label(label),
					logfields.Event("github_remove_label_returned_not_found"),
					zap.Error(err),
				)

				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// DeleteBranch deletes a branch of the repository.
// If the branch does not exist, the operation succeeds.
func (clt *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			switch respErr.Response.StatusCode {
			case http.StatusNotFound, http.StatusUnprocessableEntity:
				clt.logger.Debug("deleting branch failed, branch does not exist",
					logfields.RepositoryOwner(owner),
					logfields.Repository(repo),
					logfields.Branch(branch),
					logfields.Event("github_delete_branch_not_found"),
					zap.Error(err),
				)

				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// ClosePR closes a pull request without merging it via the API.
func (clt *Client) ClosePR(ctx context.Context, owner, repo string, number int) error {
	closed := "closed"
	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{State: &closed})
	return clt.wrapRetryableErrors(err)
}

// FindIssueByTitle returns the first open issue of the repository with an
// exactly matching title, or nil when none exists.
func (clt *Client) FindIssueByTitle(ctx context.Context, owner, repo, title string) (*github.Issue, error) {
	query := fmt.Sprintf("repo:%s/%s is:issue in:title %q", owner, repo, title)

	result, _, err := clt.restClt.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 20},
	})
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	for _, issue := range result.Issues {
		if issue.GetTitle() == title {
			return issue, nil
		}
	}

	return nil, nil
}

// UpdateIssueBody replaces the body of an issue.
func (clt *Client) UpdateIssueBody(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := clt.restClt.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{Body: &body})
	return clt.wrapRetryableErrors(err)
}

// RawFileContent fetches a file of a branch via the raw download URL, without
// requiring a checkout.
// found is false when the file or branch does not exist.
func (clt *Client) RawFileContent(ctx context.Context, owner, repo, branch, path string) (content []byte, found bool, err error) {
	url := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", owner, repo, branch, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := clt.httpClt.Do(req)
	if err != nil {
		return nil, false, boterr.NewRetryableAnytimeError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("fetching %s returned status %d", url, resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, false, boterr.NewRetryableAnytimeError(err)
		}

		return nil, false, err
	}

	content, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, boterr.NewRetryableAnytimeError(err)
	}

	return content, true, nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Int("github_api_rate_limit_remaining", v.Rate.Remaining),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return boterr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		retryAfter := time.Now().Add(v.GetRetryAfter())
		return boterr.NewRetryableError(err, retryAfter)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return boterr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return boterr.NewRetryableAnytimeError(err)
	}

	return err
}
