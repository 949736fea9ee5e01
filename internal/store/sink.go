package store

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/task"
)

// MultiSink fans one transition out to several sinks in order.
type MultiSink []task.TransitionSink

// RecordTransition implements task.TransitionSink.
func (m MultiSink) RecordTransition(ctx context.Context, tr task.Transition) {
	for _, s := range m {
		s.RecordTransition(ctx, tr)
	}
}

// LogSink writes every transition to a structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// RecordTransition implements task.TransitionSink.
func (l *LogSink) RecordTransition(_ context.Context, tr task.Transition) {
	fields := []zap.Field{
		zap.String("task_id", tr.TaskID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
	}
	if tr.Result != nil {
		fields = append(fields,
			zap.String("stage", tr.Result.Stage),
			zap.String("outcome", string(tr.Result.Outcome)),
		)
	}
	l.logger.Info("task transition", fields...)
}

// NATSPublisher publishes transitions as JSON to a NATS subject so external
// surfaces (notification, durable persistence) can subscribe. Publish
// failures are logged, never propagated: the engine's transitions must not
// depend on broker availability.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(conn *nats.Conn, subject string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = "taskforge.tasks.transitions"
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// RecordTransition implements task.TransitionSink.
func (p *NATSPublisher) RecordTransition(_ context.Context, tr task.Transition) {
	data, err := json.Marshal(tr)
	if err != nil {
		p.logger.Error("marshal transition", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn("publish transition",
			zap.String("subject", p.subject),
			zap.String("task_id", tr.TaskID),
			zap.Error(err),
		)
	}
}
