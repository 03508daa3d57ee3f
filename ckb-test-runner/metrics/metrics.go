// Package metrics implements prometheus metrics pushed by the test runner.
package metrics

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	flag "github.com/spf13/pflag"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
)

const (
	CfgMetricsAddr   = "metrics.address"
	CfgMetricsLabels = "metrics.labels"

	MetricUp              = "ckb_test_runner_up"
	MetricScenarioResults = "ckb_test_runner_scenario_results"
	MetricScenarioSeconds = "ckb_test_runner_scenario_duration_seconds"

	MetricsJobTestRunner = "ckb-test-runner"

	MetricsLabelInstance = "instance"
	MetricsLabelRun      = "run"
	MetricsLabelScenario = "scenario"
	MetricsLabelResult   = "result"

	ResultPassed = "passed"
	ResultFailed = "failed"
)

var (
	// UpGauge is 1 while a scenario is running.
	UpGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricUp,
			Help: "Is ckb-test-runner active for specific scenario.",
		},
	)

	// ScenarioResults counts finished scenarios by result.
	ScenarioResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricScenarioResults,
			Help: "Number of finished scenario runs by result.",
		},
		[]string{MetricsLabelResult},
	)

	// ScenarioDuration is the duration of the last scenario run.
	ScenarioDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricScenarioSeconds,
			Help: "Duration of the scenario run in seconds.",
		},
	)

	collectors = []prometheus.Collector{
		UpGauge,
		ScenarioResults,
		ScenarioDuration,
	}
	registerOnce sync.Once

	invalidLabelCharactersRegexp = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// EscapeLabelCharacters replaces invalid prometheus label name characters with "_".
func EscapeLabelCharacters(l string) string {
	return invalidLabelCharactersRegexp.ReplaceAllString(l, "_")
}

// GetDefaultPushLabels generates standard Prometheus push labels based on
// the current scenario instance info. Labels passed on the command line
// override the defaults, and empty values are dropped.
func GetDefaultPushLabels(ti *env.ScenarioInstanceInfo, overrides map[string]string) map[string]string {
	labels := map[string]string{
		MetricsLabelInstance: ti.Instance,
		MetricsLabelRun:      strconv.Itoa(ti.Run),
		MetricsLabelScenario: ti.Scenario,
	}
	if ti.ParameterSet != nil {
		ti.ParameterSet.VisitAll(func(f *flag.Flag) {
			labels[EscapeLabelCharacters(f.Name)] = f.Value.String()
		})
	}
	for k, v := range overrides {
		labels[k] = v
	}

	// The pushgateway rejects empty label values.
	for k, v := range labels {
		if v == "" {
			delete(labels, k)
		}
	}
	return labels
}

// Pusher pushes the runner metrics of a single scenario run.
type Pusher struct {
	pusher  *push.Pusher
	started time.Time
}

// Start marks the scenario as running and pushes the metrics.
func (p *Pusher) Start() error {
	p.started = time.Now()
	UpGauge.Set(1.0)
	return p.pusher.Push()
}

// Finish records the scenario result and pushes the metrics.
func (p *Pusher) Finish(passed bool) error {
	UpGauge.Set(0.0)
	result := ResultPassed
	if !passed {
		result = ResultFailed
	}
	ScenarioResults.WithLabelValues(result).Inc()
	if !p.started.IsZero() {
		ScenarioDuration.Set(time.Since(p.started).Seconds())
	}
	return p.pusher.Push()
}

// NewPusher creates a pusher for a scenario run, grouped by the scenario
// labels.
func NewPusher(addr string, ti *env.ScenarioInstanceInfo, overrides map[string]string) *Pusher {
	registerOnce.Do(func() {
		prometheus.MustRegister(collectors...)
	})

	p := push.New(addr, MetricsJobTestRunner)
	for k, v := range GetDefaultPushLabels(ti, overrides) {
		p = p.Grouping(k, v)
	}
	return &Pusher{
		pusher: p.Gatherer(prometheus.DefaultGatherer),
	}
}
