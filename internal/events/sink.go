// Package events delivers structured log events to operators: a zap-backed sink, a
// durable WAL journal and an in-process broadcaster for push consumers.
package events

import (
	"github.com/vadiminshakov/execguard/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink receives structured log events. Publish must not block on slow consumers.
type Sink interface {
	Publish(event domain.LogEvent)
}

// Multi publishes every event to each sink in order.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(event domain.LogEvent) {
	for _, s := range m {
		if s != nil {
			s.Publish(event)
		}
	}
}

// ZapSink writes events to a zap logger at the level matching their severity.
type ZapSink struct {
	l *zap.Logger
}

// NewZapSink creates a sink logging through l.
func NewZapSink(l *zap.Logger) *ZapSink {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapSink{l: l.With(zap.String("component", "events"))}
}

// Publish implements Sink.
func (s *ZapSink) Publish(event domain.LogEvent) {
	level := zapcore.InfoLevel
	switch event.Severity {
	case domain.SeverityWarning:
		level = zapcore.WarnLevel
	case domain.SeverityError:
		level = zapcore.ErrorLevel
	}

	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.Time("ts", event.Timestamp),
	}
	if event.AccountType != "" {
		fields = append(fields, zap.String("account_type", event.AccountType.String()))
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}

	if ce := s.l.Check(level, event.Message); ce != nil {
		ce.Write(fields...)
	}
}
