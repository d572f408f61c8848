// Package mergebot implements the merge workflow state machine of the bot.
//
// A merge starts with a chat command on a pull request. The bot merges the
// pull request into an ephemeral merge-bot branch whose name encodes the
// merge intent and pushes it to let CI run on the merge result. Webhook
// events about the CI outcome drive the rest of the workflow: on success the
// branch is finalized and fast-forwarded onto the target branch, on failure
// it is discarded.
//
// The branch name is the only persistent state, every step is resumable from
// any webhook delivery.
package mergebot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/botcmd"
	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/branchfmt"
	"github.com/simplesurance/mergebot/internal/cfg"
	"github.com/simplesurance/mergebot/internal/cistatus"
	"github.com/simplesurance/mergebot/internal/githubclt"
	"github.com/simplesurance/mergebot/internal/logfields"
	"github.com/simplesurance/mergebot/internal/provider"
	"github.com/simplesurance/mergebot/internal/retryer"
)

const loggerName = "mergebot"

const DefEventChannelBufferSize = 512

// Orchestrator receives webhook events and drives the merge workflows.
// Workflows of different pull requests run concurrently, the steps of one
// workflow are strictly sequential.
type Orchestrator struct {
	ch         chan *provider.Event
	ghClt      GithubClient
	preparer   *Preparer
	finalizer  *Finalizer
	rebaser    *Rebaser
	aggregator *cistatus.Aggregator
	conf       *cfg.MergeBot
	secrets    []string

	logger      *zap.Logger
	retryer     *retryer.Retryer
	taskWg      sync.WaitGroup
	taskDeferFn func()
}

// WithTaskRoutineDeferFunc sets a function to be run when a go-routine that
// executes a workflow task returns.
// It can be used to set a panic handler.
func WithTaskRoutineDeferFunc(fn func()) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.taskDeferFn = fn
	}
}

// NewOrchestrator wires the workflow components.
// secrets are redacted from every outbound comment.
func NewOrchestrator(
	ghClt GithubClient,
	preparer *Preparer,
	finalizer *Finalizer,
	rebaser *Rebaser,
	aggregator *cistatus.Aggregator,
	conf *cfg.MergeBot,
	secrets []string,
	opts ...func(*Orchestrator),
) *Orchestrator {
	o := Orchestrator{
		ch:         make(chan *provider.Event, DefEventChannelBufferSize),
		ghClt:      ghClt,
		preparer:   preparer,
		finalizer:  finalizer,
		rebaser:    rebaser,
		aggregator: aggregator,
		conf:       conf,
		secrets:    secrets,
		logger:     zap.L().Named(loggerName),
		retryer:    retryer.New(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return &o
}

// C returns the event channel.
// Events sent to this channel will be processed.
// The channel is closed when Stop() is called.
func (o *Orchestrator) C() chan<- *provider.Event {
	return o.ch
}

// Start runs the event loop. It returns when the event channel is closed.
func (o *Orchestrator) Start() {
	o.logger.Info("ready to process events", logfields.Event("eventloop_started"))

	for ev := range o.ch {
		metrics.ProcessedEventsInc()

		logger := o.logger.With(ev.LogFields()...)
		logger.Debug("event received", logfields.Event("event_received"))

		switch ev.EventType {
		case "issue_comment":
			o.processCommentEvent(ev)

		case "status":
			for _, branch := range ev.Branches {
				o.scheduleCIEvent(ev, branch, ev.CommitID)
			}

		case "check_suite":
			o.scheduleCIEvent(ev, ev.Branch, ev.CommitID)

		case "pull_request_review":
			o.schedulePRReviewEvent(ev)

		default:
			logger.Debug("ignoring event, event type is unsupported",
				logfields.Event("event_ignored"),
			)
		}
	}

	o.logger.Info(
		"event loop terminated, event channel was closed",
		logfields.Event("eventloop_terminated"),
	)
}

// Stop terminates the event loop and waits until all scheduled workflow
// tasks terminated.
// The event channel (C()) will be closed.
func (o *Orchestrator) Stop() {
	o.logger.Debug("event loop terminating", logfields.Event("eventloop_terminating"))
	close(o.ch)

	o.retryer.Stop()

	o.logger.Debug(
		"waiting for scheduled tasks to terminate",
		logfields.Event("eventloop_terminating"),
	)
	o.taskWg.Wait()

	o.logger.Info("event loop terminated", logfields.Event("eventloop_terminated"))
}

func (o *Orchestrator) processCommentEvent(ev *provider.Event) {
	logger := o.logger.With(ev.LogFields()...)

	cmds, err := botcmd.Parse(ev.CommentBody)
	if err != nil {
		logger.Debug("received invalid bot command",
			logfields.Event("botcmd_invalid"),
			zap.Error(err),
		)

		parseErr := err
		o.scheduleTask(ev, func(ctx context.Context) error {
			return o.ghClt.CreateIssueComment(
				ctx, ev.Owner, ev.Repository, ev.PullRequestNr,
				invalidCommandComment(parseErr),
			)
		})

		return
	}

	for _, cmd := range cmds {
		switch cmd.Kind {
		case botcmd.KindMerge:
			bump := cmd.Bump
			o.scheduleTask(ev, func(ctx context.Context) error {
				return o.StartMerge(ctx, ev.Owner, ev.Repository, ev.PullRequestNr, ev.Sender, bump, StrategyMerge)
			})

		case botcmd.KindRebase:
			o.scheduleTask(ev, func(ctx context.Context) error {
				return o.rebaser.Rebase(ctx, ev.Owner, ev.Repository, ev.PullRequestNr, ev.Sender)
			})
		}
	}
}

func (o *Orchestrator) scheduleCIEvent(ev *provider.Event, branchOrText, sha string) {
	branch := branchOrText
	if !branchfmt.IsMergeBotBranch(branch) {
		branch = branchfmt.FindEmbedded(branchOrText)
	}

	if branch == "" {
		return
	}

	o.scheduleTask(ev, func(ctx context.Context) error {
		return o.OnCIEvent(ctx, ev.Owner, ev.Repository, branch, sha)
	})
}

func (o *Orchestrator) schedulePRReviewEvent(ev *provider.Event) {
	if !o.conf.TaskEnabled("approval_labels") {
		return
	}

	o.scheduleTask(ev, func(ctx context.Context) error {
		return o.updateApprovalLabel(ctx, ev.Owner, ev.Repository, ev.PullRequestNr)
	})
}

// scheduleTask runs fn asynchronously via the retryer. Errors that are not
// retryable are mapped to pull request comments once and then escalated.
func (o *Orchestrator) scheduleTask(ev *provider.Event, fn func(context.Context) error) {
	o.taskWg.Add(1)

	org, repo, prNr := ev.Owner, ev.Repository, ev.PullRequestNr
	logF := ev.LogFields()

	go func() {
		if o.taskDeferFn != nil {
			defer o.taskDeferFn()
		}

		defer o.taskWg.Done()

		_ = o.retryer.Run(
			context.Background(),
			func(ctx context.Context) error {
				err := fn(ctx)
				if err == nil || boterr.IsRetryable(err) {
					return err
				}

				return o.reportTaskError(ctx, org, repo, prNr, err)
			},
			logF,
		)
	}()
}

// reportTaskError is the single place that maps workflow errors to pull
// request comments and retry decisions.
//
// Permission and validation errors are terminal and user-visible, they are
// not escalated. Subprocess and publish failures are reported to the user
// for actionability and still escalated, they usually indicate environment
// problems rather than user error.
func (o *Orchestrator) reportTaskError(ctx context.Context, org, repo string, prNr int, err error) error {
	logger := o.logger.With(
		logfields.RepositoryOwner(org),
		logfields.Repository(repo),
		logfields.PullRequest(prNr),
		zap.Error(err),
	)

	var permErr *boterr.PermissionDeniedError
	if errors.As(err, &permErr) {
		logger.Info("operation denied", logfields.Event("task_permission_denied"))

		metrics.MergesFinishedInc(org, repo, resultLabelRejectedVal)

		return o.ghClt.CreateIssueComment(ctx, org, repo, prNr, permissionDeniedComment(permErr.Username))
	}

	var malformedErr *boterr.MalformedBranchNameError
	if errors.As(err, &malformedErr) {
		// a bug or external interference with the branch namespace
		logger.Error("malformed merge-bot branch name, event dropped",
			logfields.Event("task_malformed_branch_name"),
		)

		return nil
	}

	metrics.MergesFinishedInc(org, repo, resultLabelFailedVal)

	if commentErr := o.ghClt.CreateIssueComment(
		ctx, org, repo, prNr, failedComment(err, o.secrets),
	); commentErr != nil {
		logger.Error("posting failure comment failed",
			logfields.Event("task_failure_comment_failed"),
			zap.NamedError("comment_error", commentErr),
		)
	}

	if labelErr := o.ghClt.RemoveLabel(ctx, org, repo, prNr, LabelMerging); labelErr != nil {
		logger.Error("removing merging label failed",
			logfields.Event("task_remove_label_failed"),
			zap.NamedError("label_error", labelErr),
		)
	}

	return err
}

// StartMerge begins the merge workflow of a pull request.
func (o *Orchestrator) StartMerge(ctx context.Context, org, repo string, prNr int, requester string, bump branchfmt.BumpMode, strategy Strategy) error {
	pr, err := o.ghClt.PullRequest(ctx, org, repo, prNr)
	if err != nil {
		return err
	}

	intent := &branchfmt.MergeIntent{
		PR:           prNr,
		TargetBranch: pr.GetBase().GetRef(),
		Requester:    requester,
		Bump:         bump,
	}

	metrics.MergesStartedInc(org, repo)

	_, err = o.preparer.Prepare(ctx, org, repo, intent, strategy)

	return err
}

// OnCIEvent evaluates the CI verdict of a merge-bot branch and advances the
// workflow.
//
// Webhook deliveries are not ordered, sha is compared with the current head
// of the branch and stale events are dropped silently.
func (o *Orchestrator) OnCIEvent(ctx context.Context, org, repo, branchOrText, sha string) error {
	branch := branchOrText
	if !branchfmt.IsMergeBotBranch(branch) {
		branch = branchfmt.FindEmbedded(branchOrText)
		if branch == "" {
			return nil
		}
	}

	logger := o.logger.With(
		logfields.RepositoryOwner(org),
		logfields.Repository(repo),
		logfields.Branch(branch),
		logfields.Commit(sha),
	)

	headSHA, err := o.ghClt.BranchHeadSHA(ctx, org, repo, branch)
	if err != nil {
		return err
	}

	if headSHA == "" {
		logger.Debug("merge branch does not exist anymore, event dropped",
			logfields.Event("ci_event_branch_gone"),
		)

		return nil
	}

	if sha != "" && sha != headSHA {
		logger.Debug("stale event ignored, branch head moved",
			logfields.Event("ci_event_stale"),
		)

		return nil
	}

	statuses, suites, err := o.ghClt.CommitChecks(ctx, org, repo, headSHA)
	if err != nil {
		return err
	}

	verdict := o.aggregator.Aggregate(statuses, suites)

	switch verdict {
	case cistatus.VerdictPending:
		logger.Debug("checks still pending", logfields.Event("ci_event_pending"))
		return nil

	case cistatus.VerdictFailure:
		return o.rejectMerge(ctx, org, repo, branch)

	case cistatus.VerdictSuccess:
		return o.finalizeMerge(ctx, org, repo, branch)
	}

	return fmt.Errorf("aggregation returned unknown verdict: %q", verdict)
}

// rejectMerge discards the merge-bot branch after a failed CI run.
func (o *Orchestrator) rejectMerge(ctx context.Context, org, repo, branch string) error {
	intent, err := branchfmt.Decode(branch)
	if err != nil {
		return err
	}

	if err := o.ghClt.CreateIssueComment(ctx, org, repo, intent.PR, ciFailedComment(branch)); err != nil {
		return err
	}

	if err := o.ghClt.DeleteBranch(ctx, org, repo, branch); err != nil {
		return err
	}

	metrics.MergesFinishedInc(org, repo, resultLabelRejectedVal)

	return o.ghClt.RemoveLabel(ctx, org, repo, intent.PR, LabelMerging)
}

// finalizeMerge lands the branch. When the target branch moved in the
// meantime the preparation is restarted with the same intent, the next CI
// run triggers finalization again.
func (o *Orchestrator) finalizeMerge(ctx context.Context, org, repo, branch string) error {
	done, err := o.finalizer.Finalize(ctx, org, repo, branch)
	if err != nil {
		return err
	}

	if done {
		metrics.MergesFinishedInc(org, repo, resultLabelMergedVal)
		return nil
	}

	intent, err := branchfmt.Decode(branch)
	if err != nil {
		return err
	}

	metrics.FinalizeRestartsInc(org, repo)

	if err := o.ghClt.CreateIssueComment(ctx, org, repo, intent.PR, tryAgainComment(intent.TargetBranch)); err != nil {
		return err
	}

	// the branch name does not encode the strategy, a restart always
	// re-prepares with a plain merge, autosquash already happened on the
	// first preparation
	_, err = o.preparer.Prepare(ctx, org, repo, intent, StrategyMerge)

	return err
}

// updateApprovalLabel reflects the review decision of a pull request in its
// labels.
func (o *Orchestrator) updateApprovalLabel(ctx context.Context, org, repo string, prNr int) error {
	decision, err := o.ghClt.PRReviewDecision(ctx, org, repo, prNr)
	if err != nil {
		return err
	}

	if decision == githubclt.ReviewDecisionApproved {
		return o.ghClt.AddLabel(ctx, org, repo, prNr, LabelApproved)
	}

	return o.ghClt.RemoveLabel(ctx, org, repo, prNr, LabelApproved)
}
