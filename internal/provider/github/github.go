package github

import (
	"encoding/json"
	"net/http"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/logfields"
	"github.com/simplesurance/mergebot/internal/provider"
)

const loggerName = "github-event-provider"

// Provider listens for github-webhook http-requests at a http-server handler,
// validates and converts the requests to Events and forwards them to an event
// channel.
type Provider struct {
	logging       *zap.Logger
	webhookSecret []byte
	c             chan<- *provider.Event
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *provider.Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logging == nil {
		p.logging = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HttpHandler(resp http.ResponseWriter, req *http.Request) {
	p.logging.Debug("received a http request", logfields.Event("github_event_received"))

	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logging.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Debug(
		"received http request",
		logfields.Event("github_event_received"),
		zap.ByteString("http_body", payload),
	)

	event, err := github.ParseWebHook(github.WebHookType(req), payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		logger.Error(
			"could not marshal event into json",
			logfields.Event("github_json_event_marshalling_failed"),
			zap.Error(err),
		)
	}

	ev := provider.Event{
		JSON:       eventJSON,
		Provider:   "github",
		DeliveryID: deliveryID,
		EventType:  hookType,
	}

	switch event := event.(type) {
	case *github.IssueCommentEvent:
		setRepo(&ev, event.GetRepo())
		ev.Sender = event.GetSender().GetLogin()
		ev.CommentBody = event.GetComment().GetBody()

		if issue := event.GetIssue(); issue != nil && issue.IsPullRequest() {
			ev.PullRequestNr = issue.GetNumber()
		}

		if event.GetAction() != "created" || ev.PullRequestNr == 0 {
			logger.Debug("ignoring issue_comment event",
				logfields.Event("github_event_ignored"),
			)
			return
		}

	case *github.StatusEvent:
		setRepo(&ev, event.GetRepo())
		ev.CommitID = event.GetSHA()

		for _, branch := range event.Branches {
			ev.Branches = append(ev.Branches, branch.GetName())
		}

	case *github.CheckSuiteEvent:
		setRepo(&ev, event.GetRepo())

		if suite := event.GetCheckSuite(); suite != nil {
			ev.CommitID = suite.GetHeadSHA()
			ev.Branch = suite.GetHeadBranch()
		}

		if event.GetAction() != "completed" {
			logger.Debug("ignoring check_suite event",
				logfields.Event("github_event_ignored"),
			)
			return
		}

	case *github.PullRequestReviewEvent:
		setRepo(&ev, event.GetRepo())
		ev.Sender = event.GetSender().GetLogin()

		if pr := event.GetPullRequest(); pr != nil {
			ev.PullRequestNr = pr.GetNumber()

			if hb := pr.GetHead(); hb != nil {
				ev.CommitID = hb.GetSHA()
				ev.Branch = hb.GetRef()
			}
		}

	default:
		logger.Debug("ignoring event, event type is unsupported",
			logfields.Event("github_unsupported_event_received"),
		)
		return
	}

	logger = logger.With(ev.LogFields()...)

	select {
	case p.c <- &ev:
		logger.Debug("event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}
}

func setRepo(ev *provider.Event, repo *github.Repository) {
	if repo == nil {
		return
	}

	ev.Repository = repo.GetName()
	ev.Owner = repo.GetOwner().GetLogin()
}
