package logging

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/consistency"
)

// ExecutorFunc adapts a function to consistency.Executor.
type ExecutorFunc func(ctx context.Context, cmds ...consistency.Command) (*consistency.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmds ...consistency.Command) (*consistency.Result, error) {
	return f(ctx, cmds...)
}

// WithCommandLogging wraps an Executor with logging functionality.
// It logs the command type and aggregate ID before execution, and logs
// errors if the batch fails. Validation failures are logged as warnings.
func WithCommandLogging(logger *logrus.Entry, next consistency.Executor) consistency.Executor {
	return ExecutorFunc(func(ctx context.Context, cmds ...consistency.Command) (*consistency.Result, error) {
		if len(cmds) == 0 {
			return next.Execute(ctx, cmds...)
		}
		cmdType := reflect.TypeOf(cmds[0]).String()
		entry := logger.WithContext(ctx).WithFields(logrus.Fields{
			"command":     cmdType,
			"commandId":   cmds[0].CommandID().String(),
			"aggregateId": cmds[0].AggregateID(),
			"batch":       len(cmds),
		})
		entry.Infof("Dispatch: %s (aggregateID: %s)", cmdType, cmds[0].AggregateID())

		start := time.Now()
		result, err := next.Execute(ctx, cmds...)
		entry = entry.WithField("duration", time.Since(start))

		switch {
		case err == nil:
			entry.Debugf("Dispatch succeeded: %s", cmdType)
		case errors.Is(err, consistency.ErrValidation):
			entry.Warnf("Dispatch rejected: %s (aggregateID: %s): %v", cmdType, cmds[0].AggregateID(), err)
		default:
			entry.WithError(err).Errorf("Dispatch failed: %s (aggregateID: %s): %v", cmdType, cmds[0].AggregateID(), err)
		}
		return result, err
	})
}
