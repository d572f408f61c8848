// Package cistatus folds the two independent GitHub CI signals for a commit,
// classic commit statuses and check suites, into a single verdict.
package cistatus

// Verdict is the combined CI result for a commit.
type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
)

// CommitStatus is a classic commit status context.
type CommitStatus struct {
	Context string
	// State is one of pending, success, failure, error.
	State string
}

// CheckSuite is a GitHub check suite for a commit.
type CheckSuite struct {
	// App is the name of the GitHub App that owns the suite.
	App string
	// Status is one of queued, in_progress, completed.
	Status string
	// Conclusion is only meaningful when Status is completed.
	Conclusion string
	// CheckRunCount is the number of check runs belonging to the suite.
	CheckRunCount int
}

// Aggregator combines commit statuses and check suites into a Verdict,
// skipping configured contexts and apps.
type Aggregator struct {
	ignoredStatuses    map[string]struct{}
	ignoredCheckSuites map[string]struct{}
}

func New(ignoredStatusContexts, ignoredCheckSuiteApps []string) *Aggregator {
	return &Aggregator{
		ignoredStatuses:    toSet(ignoredStatusContexts),
		ignoredCheckSuites: toSet(ignoredCheckSuiteApps),
	}
}

func toSet(sl []string) map[string]struct{} {
	result := make(map[string]struct{}, len(sl))
	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}

// Aggregate folds all non-ignored signals into one verdict.
//
// Statuses are examined before check suites: a pending status returns
// VerdictPending immediately, without inspecting any check suite. Any failed
// status or suite short-circuits to VerdictFailure. VerdictSuccess requires
// that at least one signal succeeded and none is pending, a commit without
// any CI signal stays pending. One red check must stop the process even when
// others are still running, while a clean bill of health requires all
// visible signals accounted for.
func (a *Aggregator) Aggregate(statuses []*CommitStatus, suites []*CheckSuite) Verdict {
	sawSuccess := false

	for _, status := range statuses {
		if _, ignored := a.ignoredStatuses[status.Context]; ignored {
			continue
		}

		switch status.State {
		case "pending":
			return VerdictPending
		case "failure", "error":
			return VerdictFailure
		case "success":
			sawSuccess = true
		}
	}

	for _, suite := range suites {
		if _, ignored := a.ignoredCheckSuites[suite.App]; ignored {
			continue
		}

		if suite.Status != "completed" {
			if suite.CheckRunCount == 0 {
				// a suite without check runs never completes,
				// github creates them for apps that did not
				// react to the commit
				continue
			}

			return VerdictPending
		}

		switch suite.Conclusion {
		case "failure", "cancelled", "timed_out", "startup_failure", "stale":
			return VerdictFailure
		case "success", "neutral":
			// github treats neutral as passing
			sawSuccess = true
		}
	}

	if sawSuccess {
		return VerdictSuccess
	}

	return VerdictPending
}
