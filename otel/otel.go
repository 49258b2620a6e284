package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/terraskye/consistency"
	instrumentationVersion = "0.1.0"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType = attribute.Key("consistency.command.type")
	AttrCommandID   = attribute.Key("consistency.command.id")
	AttrAggregateID = attribute.Key("consistency.aggregate.id")
	AttrBatchSize   = attribute.Key("consistency.batch.size")

	// Stream attributes
	AttrStreamID       = attribute.Key("consistency.stream.id")
	AttrStreamRevision = attribute.Key("consistency.stream.revision")
	AttrExpected       = attribute.Key("consistency.stream.expected")

	// Event attributes
	AttrEventCount = attribute.Key("consistency.events.count")

	// Operation attributes
	AttrOperation = attribute.Key("consistency.operation")
	AttrDirection = attribute.Key("consistency.read.direction")
)

// Metadata keys written on append.
const (
	CorrelationIDKey = "correlationId"
	CausationIDKey   = "causationId"
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"consistency.commands.handled",
		metric.WithDescription("Total number of command batches handled"),
		metric.WithUnit("{batch}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"consistency.commands.duration",
		metric.WithDescription("Command batch execution duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"consistency.commands.in_flight",
		metric.WithDescription("Number of command batches currently being executed"),
		metric.WithUnit("{batch}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"consistency.commands.failed",
		metric.WithDescription("Number of failed command batches"),
		metric.WithUnit("{batch}"),
	)

	// Event metrics
	EventsAppended, _ = meter.Int64Counter(
		"consistency.events.appended",
		metric.WithDescription("Number of records appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"consistency.events.loaded",
		metric.WithDescription("Number of records read from streams"),
		metric.WithUnit("{event}"),
	)

	// EventStore metrics
	EventStoreAppends, _ = meter.Int64Counter(
		"consistency.eventstore.appends",
		metric.WithDescription("Number of append operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreReads, _ = meter.Int64Counter(
		"consistency.eventstore.reads",
		metric.WithDescription("Number of read operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"consistency.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"consistency.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	// System metrics
	ConcurrencyConflicts, _ = meter.Int64Counter(
		"consistency.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)

	StreamRevisionGauge, _ = meter.Int64Gauge(
		"consistency.stream.revision",
		metric.WithDescription("Last written revision of streams"),
		metric.WithUnit("{revision}"),
	)
)
