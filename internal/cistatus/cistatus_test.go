package cistatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var defaultAggregator = New(
	[]string{"ci/runbot", "codecov/project"},
	[]string{"Codecov", "Dependabot"},
)

func TestNoSignalsIsPending(t *testing.T) {
	verdict := defaultAggregator.Aggregate(nil, nil)
	assert.Equal(t, VerdictPending, verdict)
}

func TestSingleSuccessStatus(t *testing.T) {
	verdict := defaultAggregator.Aggregate(
		[]*CommitStatus{{Context: "ci/travis", State: "success"}},
		nil,
	)
	assert.Equal(t, VerdictSuccess, verdict)
}

func TestPendingStatusShortCircuitsBeforeCheckSuites(t *testing.T) {
	// the failed check suite must not be reached, a pending commit status
	// returns immediately
	verdict := defaultAggregator.Aggregate(
		[]*CommitStatus{
			{Context: "codecov/project", State: "success"},
			{Context: "ci/travis", State: "pending"},
		},
		[]*CheckSuite{
			{App: "GitHub Actions", Status: "completed", Conclusion: "failure", CheckRunCount: 3},
		},
	)
	assert.Equal(t, VerdictPending, verdict)
}

func TestFailedStatusShortCircuits(t *testing.T) {
	verdict := defaultAggregator.Aggregate(
		[]*CommitStatus{
			{Context: "ci/travis", State: "failure"},
			{Context: "ci/other", State: "pending"},
		},
		nil,
	)
	assert.Equal(t, VerdictFailure, verdict)
}

func TestIgnoredFailureAloneStaysPending(t *testing.T) {
	// an ignored failing context provides no signal, and nothing else set
	// sawSuccess
	verdict := defaultAggregator.Aggregate(
		[]*CommitStatus{{Context: "ci/runbot", State: "failure"}},
		nil,
	)
	assert.Equal(t, VerdictPending, verdict)
}

func TestIgnoredCheckSuiteApp(t *testing.T) {
	verdict := defaultAggregator.Aggregate(
		[]*CommitStatus{{Context: "ci/travis", State: "success"}},
		[]*CheckSuite{
			{App: "Codecov", Status: "completed", Conclusion: "failure", CheckRunCount: 1},
		},
	)
	assert.Equal(t, VerdictSuccess, verdict)
}

func TestIncompleteSuiteWithoutRunsIsSkipped(t *testing.T) {
	verdict := defaultAggregator.Aggregate(
		nil,
		[]*CheckSuite{
			{App: "Some App", Status: "queued", CheckRunCount: 0},
			{App: "GitHub Actions", Status: "completed", Conclusion: "success", CheckRunCount: 2},
		},
	)
	assert.Equal(t, VerdictSuccess, verdict)
}

func TestIncompleteSuiteWithRunsIsPending(t *testing.T) {
	verdict := defaultAggregator.Aggregate(
		nil,
		[]*CheckSuite{
			{App: "GitHub Actions", Status: "in_progress", CheckRunCount: 2},
		},
	)
	assert.Equal(t, VerdictPending, verdict)
}

func TestFailedSuiteShortCircuits(t *testing.T) {
	verdict := defaultAggregator.Aggregate(
		[]*CommitStatus{{Context: "ci/travis", State: "success"}},
		[]*CheckSuite{
			{App: "GitHub Actions", Status: "completed", Conclusion: "cancelled", CheckRunCount: 1},
		},
	)
	assert.Equal(t, VerdictFailure, verdict)
}

func TestNeutralSuiteCountsAsSuccess(t *testing.T) {
	verdict := defaultAggregator.Aggregate(
		nil,
		[]*CheckSuite{
			{App: "GitHub Actions", Status: "completed", Conclusion: "neutral", CheckRunCount: 1},
		},
	)
	assert.Equal(t, VerdictSuccess, verdict)
}

func TestOnlySuiteSuccess(t *testing.T) {
	verdict := defaultAggregator.Aggregate(
		nil,
		[]*CheckSuite{
			{App: "GitHub Actions", Status: "completed", Conclusion: "success", CheckRunCount: 1},
		},
	)
	assert.Equal(t, VerdictSuccess, verdict)
}
