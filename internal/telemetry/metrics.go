// Package telemetry publishes service metrics to CloudWatch.
package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names and dimensions.
const (
	MetricAPIRequest   = "APIRequest"
	MetricAPILatency   = "APILatency"
	MetricBillingEvent = "BillingEvent"

	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"
	DimKind     = "Kind"
	DimOutcome  = "Outcome"
)

const (
	defaultFlushInterval = 10 * time.Second
	defaultQueueSize     = 4096

	// publishTimeout bounds one PutMetricData call.
	publishTimeout = 2 * time.Second

	// maxDatumsPerCall is the PutMetricData limit on MetricData entries.
	maxDatumsPerCall = 1000
)

// CloudWatchClient is the PutMetricData subset of *cloudwatch.Client.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics records API request and billing event metrics.
//
// Record methods only enqueue; Run publishes the queue in the background, so
// CloudWatch latency never reaches the request path. When the queue is full
// new datapoints are dropped and counted. Publish failures are logged and
// never returned.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger

	queue         chan cwtypes.MetricDatum
	flushInterval time.Duration
	dropped       atomic.Int64
}

// Option configures a CloudWatchMetrics.
type Option func(*CloudWatchMetrics)

// WithFlushInterval sets how often Run publishes queued datapoints.
func WithFlushInterval(d time.Duration) Option {
	return func(m *CloudWatchMetrics) {
		if d > 0 {
			m.flushInterval = d
		}
	}
}

// WithQueueSize sets how many datapoints may wait for the next flush.
func WithQueueSize(n int) Option {
	return func(m *CloudWatchMetrics) {
		if n > 0 {
			m.queue = make(chan cwtypes.MetricDatum, n)
		}
	}
}

// NewCloudWatchMetrics publishes to namespace through client. Nothing is
// published until Run is started.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger, opts ...Option) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	m := &CloudWatchMetrics{
		client:        client,
		namespace:     namespace,
		logger:        logger,
		queue:         make(chan cwtypes.MetricDatum, defaultQueueSize),
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordRequest queues APIRequest (count) and APILatency (milliseconds) for
// one HTTP request. The endpoint is expected to be a route pattern.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	now := time.Now()
	dims := []cwtypes.Dimension{
		dimension(DimMethod, method),
		dimension(DimEndpoint, endpoint),
		dimension(DimStatus, status),
	}

	m.enqueue(
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPIRequest),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(now),
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Timestamp:  aws.Time(now),
			Dimensions: dims[:2],
		},
	)
}

// RecordBillingEvent queues one BillingEvent datapoint with Kind and Outcome
// dimensions, e.g. {Kind: "subscription_updated", Outcome: "applied"}.
func (m *CloudWatchMetrics) RecordBillingEvent(_ context.Context, kind, outcome string) {
	m.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(MetricBillingEvent),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: []cwtypes.Dimension{
			dimension(DimKind, kind),
			dimension(DimOutcome, outcome),
		},
	})
}

func (m *CloudWatchMetrics) enqueue(data ...cwtypes.MetricDatum) {
	for _, d := range data {
		select {
		case m.queue <- d:
		default:
			m.dropped.Add(1)
		}
	}
}

// Run publishes queued datapoints every flush interval until ctx is done,
// then flushes what is left and returns.
func (m *CloudWatchMetrics) Run(ctx context.Context) {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Flush(ctx)
		case <-ctx.Done():
			m.Flush(context.WithoutCancel(ctx))
			return
		}
	}
}

// Flush publishes everything queued so far.
func (m *CloudWatchMetrics) Flush(ctx context.Context) {
	if n := m.dropped.Swap(0); n > 0 {
		m.logger.WarnContext(ctx, "metrics queue full, datapoints dropped", slog.Int64("dropped", n))
	}

	var batch []cwtypes.MetricDatum
	for {
		select {
		case d := <-m.queue:
			batch = append(batch, d)
			if len(batch) == maxDatumsPerCall {
				m.put(ctx, batch)
				batch = nil
			}
		default:
			if len(batch) > 0 {
				m.put(ctx, batch)
			}
			return
		}
	}
}

func (m *CloudWatchMetrics) put(ctx context.Context, data []cwtypes.MetricDatum) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish metrics",
			slog.String("error", err.Error()),
			slog.Int("datapoints", len(data)),
		)
	}
}

func dimension(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// NoopMetrics discards everything. Used when ENABLE_METRICS is false.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(string, string, string, time.Duration) {}

func (NoopMetrics) RecordBillingEvent(context.Context, string, string) {}
