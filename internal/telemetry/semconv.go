package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for logmerge telemetry, following OpenTelemetry naming conventions.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrMergeMode distinguishes sync and pipelined runs.
	AttrMergeMode = attribute.Key("merge.mode")
	// AttrSourceIndex identifies the source a fetch was issued against.
	AttrSourceIndex = attribute.Key("source.index")
	// AttrSinkKind labels the concrete sink implementation.
	AttrSinkKind = attribute.Key("sink.kind")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrOperation differentiates operations within one component.
	AttrOperation = attribute.Key("operation")
)

// Result values shared across instruments.
const (
	ResultEntry   = "entry"
	ResultDrained = "drained"
	ResultError   = "error"
)

// SinkAttributes returns the attributes describing a sink operation.
func SinkAttributes(kind, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSinkKind.String(kind),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
