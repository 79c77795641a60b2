package authsentry

import (
	"io"

	"github.com/davxom/authsentry/internal/audit"
)

// AuditEvent is the record delivered to audit sinks.
type AuditEvent = audit.Event

// AuditSink receives emitted audit events.
type AuditSink = audit.Sink

// NoOpAuditSink drops audit events.
type NoOpAuditSink = audit.NoOpSink

// ChannelAuditSink buffers audit events in a channel, mostly for tests.
type ChannelAuditSink = audit.ChannelSink

// NewChannelAuditSink returns a sink buffering up to buffer events.
func NewChannelAuditSink(buffer int) *ChannelAuditSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONAuditSink writes one JSON object per event line.
func NewJSONAuditSink(w io.Writer) AuditSink {
	return audit.NewJSONWriterSink(w)
}

// NewAMQPAuditSink publishes audit events to a RabbitMQ topic exchange.
func NewAMQPAuditSink(url, exchange, routingKey string) (AuditSink, error) {
	return audit.NewAMQPSink(url, exchange, routingKey)
}

// MultiAuditSink fans events out to several sinks.
func MultiAuditSink(sinks ...AuditSink) AuditSink {
	return audit.MultiSink(sinks)
}
