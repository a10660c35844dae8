package task

import (
	"context"
	"fmt"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const taskNameKey ctxKey = "task_name"

// Go starts a named task goroutine. The name is attached as a pprof label and
// stored in the task context so log lines and profiles can be traced back to it.
//
// Example usage:
//
//	task.Go(ctx, "sampler", logger, func(ctx context.Context) error {
//	    return s.Run(ctx)
//	}, onExit)
//
// If parentCtx is nil, context.Background() is used. done, when non-nil, is
// called with the task's return value after it exits. A panic inside fn is
// recovered and reported to done as an error.
func Go(parentCtx context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context) error, done func(error)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	if logger == nil {
		logger = logrus.New()
	}

	labels := pprof.Labels("task", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, taskNameKey, name)

		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
			logger.WithField("task", name).WithError(err).Debug("Task exited")
			if done != nil {
				done(err)
			}
		}()

		logger.WithField("task", name).Debug("Task started")
		err = fn(ctx)
	})
}

// Name retrieves the task name from the context.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(taskNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
