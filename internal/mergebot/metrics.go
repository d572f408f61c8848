package mergebot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/mergebot/internal/logfields"
)

const metricNamespace = "mergebot"

const (
	githubEventsMetricName   = "processed_github_events_total"
	mergesStartedMetricName  = "merges_started_total"
	mergesFinishedMetricName = "merges_finished_total"
	finalizeRetryMetricName  = "finalize_restarts_total"
)

const (
	repositoryLabel = "repository"
	resultLabel     = "result"
)

type resultLabelVal string

const (
	resultLabelMergedVal   resultLabelVal = "merged"
	resultLabelRejectedVal resultLabelVal = "rejected"
	resultLabelFailedVal   resultLabelVal = "failed"
)

type metricCollector struct {
	logger           *zap.Logger
	processedEvents  prometheus.Counter
	mergesStarted    *prometheus.CounterVec
	mergesFinished   *prometheus.CounterVec
	finalizeRestarts *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		processedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      githubEventsMetricName,
				Help:      "count of processed github webhook events",
			},
		),
		mergesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      mergesStartedMetricName,
				Help:      "count of started merge workflows",
			},
			[]string{repositoryLabel},
		),
		mergesFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      mergesFinishedMetricName,
				Help:      "count of terminated merge workflows per result",
			},
			[]string{repositoryLabel, resultLabel},
		),
		finalizeRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      finalizeRetryMetricName,
				Help:      "count of merge finalizations restarted because the target branch moved",
			},
			[]string{repositoryLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) ProcessedEventsInc() {
	m.processedEvents.Inc()
}

func (m *metricCollector) MergesStartedInc(org, repo string) {
	cnt, err := m.mergesStarted.GetMetricWith(prometheus.Labels{
		repositoryLabel: org + "/" + repo,
	})
	if err != nil {
		m.logGetMetricFailed(mergesStartedMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) MergesFinishedInc(org, repo string, result resultLabelVal) {
	cnt, err := m.mergesFinished.GetMetricWith(prometheus.Labels{
		repositoryLabel: org + "/" + repo,
		resultLabel:     string(result),
	})
	if err != nil {
		m.logGetMetricFailed(mergesFinishedMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) FinalizeRestartsInc(org, repo string) {
	cnt, err := m.finalizeRestarts.GetMetricWith(prometheus.Labels{
		repositoryLabel: org + "/" + repo,
	})
	if err != nil {
		m.logGetMetricFailed(finalizeRetryMetricName, err)
		return
	}

	cnt.Inc()
}
