// Package otlp decodes OTLP/HTTP JSON metric export requests and turns them
// into the flat MetricPoint stream the rest of the pipeline consumes. It
// intentionally hand-decodes the wire JSON rather than depending on the
// OpenTelemetry Go SDK: the SDK is a telemetry-producer API (building and
// exporting spans/metrics from instrumented code), not a parser for
// inbound OTLP/JSON bodies received by a server, so it buys nothing here.
package otlp

import "strconv"

// The structs below mirror the camelCase JSON projection of
// opentelemetry-proto's metrics.proto, limited to the fields the governor
// reads. Numeric proto64 fields (timeUnixNano, int values) are transmitted
// as JSON strings per the OTLP/JSON spec, hence the string-typed fields
// below.

type ExportMetricsServiceRequest struct {
	ResourceMetrics []ResourceMetrics `json:"resourceMetrics"`
}

type ResourceMetrics struct {
	Resource     Resource       `json:"resource"`
	ScopeMetrics []ScopeMetrics `json:"scopeMetrics"`
}

type Resource struct {
	Attributes []KeyValue `json:"attributes"`
}

type ScopeMetrics struct {
	Scope   InstrumentationScope `json:"scope"`
	Metrics []Metric             `json:"metrics"`
}

type InstrumentationScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Metric struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Unit        string     `json:"unit"`
	Gauge       *Gauge     `json:"gauge,omitempty"`
	Sum         *Sum       `json:"sum,omitempty"`
	Histogram   *Histogram `json:"histogram,omitempty"`
}

type Gauge struct {
	DataPoints []NumberDataPoint `json:"dataPoints"`
}

type Sum struct {
	DataPoints             []NumberDataPoint `json:"dataPoints"`
	AggregationTemporality int               `json:"aggregationTemporality"`
	IsMonotonic            bool              `json:"isMonotonic"`
}

type Histogram struct {
	DataPoints []HistogramDataPoint `json:"dataPoints"`
}

type NumberDataPoint struct {
	Attributes       []KeyValue `json:"attributes"`
	StartTimeUnixNano string    `json:"startTimeUnixNano"`
	TimeUnixNano      string    `json:"timeUnixNano"`
	AsDouble          *float64  `json:"asDouble,omitempty"`
	AsInt             *string   `json:"asInt,omitempty"`
}

type HistogramDataPoint struct {
	Attributes        []KeyValue `json:"attributes"`
	TimeUnixNano      string     `json:"timeUnixNano"`
	Count             string     `json:"count"`
	Sum               *float64   `json:"sum,omitempty"`
}

type KeyValue struct {
	Key   string   `json:"key"`
	Value AnyValue `json:"value"`
}

type AnyValue struct {
	StringValue *string  `json:"stringValue,omitempty"`
	IntValue    *string  `json:"intValue,omitempty"`
	DoubleValue *float64 `json:"doubleValue,omitempty"`
	BoolValue   *bool    `json:"boolValue,omitempty"`
}

// AsString renders whichever variant is set as a string, for attribute maps
// where the governor only needs textual comparison/logging.
func (v AnyValue) AsString() string {
	switch {
	case v.StringValue != nil:
		return *v.StringValue
	case v.IntValue != nil:
		return *v.IntValue
	case v.DoubleValue != nil:
		return strconv.FormatFloat(*v.DoubleValue, 'g', -1, 64)
	case v.BoolValue != nil:
		if *v.BoolValue {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
