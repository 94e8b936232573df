package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/VladMinzatu/ramparse/internal/unwind"
)

type TaskSource interface {
	Tasks() ([]Task, error)
}

type Unwinder interface {
	Unwind(regs unwind.Regs, bounds unwind.StackBounds) unwind.Backtrace
}

// Sample is one task's backtrace. Frames are leaf first.
type Sample struct {
	Task   Task
	Frames []unwind.Frame
	Stop   unwind.StopReason
	Count  uint64
}

type Collector struct {
	source     TaskSource
	unwinder   Unwinder
	workers    int
	threadSize uint64
	logger     *slog.Logger
}

func NewCollector(source TaskSource, unwinder Unwinder, workers int, threadSize uint64, logger *slog.Logger) (*Collector, error) {
	if source == nil || unwinder == nil {
		return nil, errors.New("task source and unwinder are required")
	}
	if workers <= 0 {
		return nil, errors.New("invalid workers; must be > 0")
	}
	if threadSize == 0 || threadSize&(threadSize-1) != 0 {
		return nil, fmt.Errorf("invalid thread size 0x%x; must be a power of two", threadSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:     source,
		unwinder:   unwinder,
		workers:    workers,
		threadSize: threadSize,
		logger:     logger,
	}, nil
}

// Collect unwinds every task using at most workers goroutines. Samples
// come back in walk order.
func (c *Collector) Collect(ctx context.Context) ([]Sample, error) {
	tasks, err := c.source.Tasks()
	if err != nil {
		return nil, fmt.Errorf("failed to walk tasks: %w", err)
	}

	samples := make([]Sample, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, task := range tasks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			bt := c.unwinder.Unwind(task.Regs, task.Bounds(c.threadSize))
			samples[i] = Sample{Task: task, Frames: bt.Frames, Stop: bt.Stop, Count: 1}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	corrupt := 0
	for _, s := range samples {
		if s.Stop.Corrupt() {
			corrupt++
		}
	}
	if corrupt > 0 {
		c.logger.Warn("Some backtraces were truncated", "tasks", len(samples), "truncated", corrupt)
	}
	c.logger.Info("Collected task backtraces", "tasks", len(samples))
	return samples, nil
}
