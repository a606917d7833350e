package txn

import (
	"context"

	"go.uber.org/zap"

	"github.com/aonescu/kubefacts/internal/formatting"
	"github.com/aonescu/kubefacts/internal/types"
)

// LogSink writes every changed value of a commit to the log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("delta")}
}

func (s *LogSink) Publish(_ context.Context, c types.Commit) error {
	for _, rd := range c.Delta {
		for _, ch := range rd.Changes {
			s.logger.Info(formatting.FormatChange(rd.Relation, ch),
				zap.String("tx", c.TxID),
				zap.String("source", c.Source),
			)
		}
	}
	return nil
}

// SinkFunc adapts a function to DeltaSink.
type SinkFunc func(ctx context.Context, c types.Commit) error

func (f SinkFunc) Publish(ctx context.Context, c types.Commit) error { return f(ctx, c) }
