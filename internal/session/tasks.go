package session

import (
	"context"

	"github.com/VladMinzatu/ramparse/internal/tasks"
)

// CollectTasks walks init_task.tasks and unwinds every task it finds.
func (s *Session) CollectTasks(ctx context.Context) ([]tasks.Sample, error) {
	w, err := tasks.NewWalker(s.translator, s.oracle, tasks.WalkOptions{
		Slide:    s.offsets.KASLROffset,
		MaxTasks: s.cfg.MaxTasks,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	c, err := tasks.NewCollector(w, s.unwinder, s.cfg.Workers, s.ThreadSize(), s.logger)
	if err != nil {
		return nil, err
	}
	return c.Collect(ctx)
}
