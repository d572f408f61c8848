package githubclt

import (
	"context"

	"github.com/shurcooL/githubv4"
)

// ReviewDecision is the combined result of a pull request review.
type ReviewDecision string

const (
	ReviewDecisionApproved         = ReviewDecision(githubv4.PullRequestReviewDecisionApproved)
	ReviewDecisionChangesRequested = ReviewDecision(githubv4.PullRequestReviewDecisionChangesRequested)
	ReviewDecisionReviewRequired   = ReviewDecision(githubv4.PullRequestReviewDecisionReviewRequired)
)

// PRReviewDecision returns the review decision of a pull request.
// The decision is only computed by GitHub via the GraphQL API, the REST API
// does not expose it.
func (clt *Client) PRReviewDecision(ctx context.Context, owner, repo string, prNumber int) (ReviewDecision, error) {
	var q struct {
		Repository struct {
			PullRequest struct {
				ReviewDecision githubv4.PullRequestReviewDecision
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(prNumber),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return "", clt.wrapGraphQLRetryableErrors(err)
	}

	return ReviewDecision(q.Repository.PullRequest.ReviewDecision), nil
}
