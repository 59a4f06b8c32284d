package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moatlabs/moat/pkg/contracts"
)

// Semantic convention attribute keys for gateway telemetry.
var (
	AttrCapabilityID      = attribute.Key("moat.capability.id")
	AttrCapabilityVersion = attribute.Key("moat.capability.version")
	AttrTenantID          = attribute.Key("moat.tenant.id")
	AttrProvider          = attribute.Key("moat.provider")
	AttrOutcome           = attribute.Key("moat.outcome")
	AttrErrorCode         = attribute.Key("moat.error.code")
	AttrRequestID         = attribute.Key("moat.request.id")
	AttrDecision          = attribute.Key("moat.policy.decision")
	AttrRuleHit           = attribute.Key("moat.policy.rule_hit")
	AttrSynthetic         = attribute.Key("moat.synthetic")
)

// ExecutionAttrs labels a span with the identity of an execute request.
func ExecutionAttrs(req *contracts.ExecuteRequest) []attribute.KeyValue {
	if req == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrCapabilityID.String(req.CapabilityID),
		AttrCapabilityVersion.String(req.CapabilityVersion),
		AttrTenantID.String(req.TenantID),
		AttrRequestID.String(req.RequestID),
		AttrSynthetic.Bool(req.IsSynthetic),
	}
}

// DecisionAttrs labels a span with a policy verdict.
func DecisionAttrs(d *contracts.PolicyDecision) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		AttrDecision.String(string(d.Decision)),
	}
	if d.RuleHit != "" {
		attrs = append(attrs, AttrRuleHit.String(string(d.RuleHit)))
	}
	return attrs
}

// ReceiptAttrs labels a span with the outcome of a finished execution.
func ReceiptAttrs(r *contracts.Receipt) []attribute.KeyValue {
	if r == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		AttrOutcome.String(string(r.Status)),
		AttrCapabilityID.String(r.CapabilityID),
	}
	if r.ErrorCode != "" {
		attrs = append(attrs, AttrErrorCode.String(string(r.ErrorCode)))
	}
	return attrs
}

// SpanFromContext returns the active span, or a no-op span when the
// context carries none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the active span failed or ok based on err.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
