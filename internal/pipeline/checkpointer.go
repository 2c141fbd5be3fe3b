package pipeline

import (
	"context"

	"github.com/okian/speedcast/internal/adapters/repository"
	"github.com/okian/speedcast/internal/domain/evaluation"
	"github.com/okian/speedcast/internal/domain/training"
)

// checkpointer persists a training run through a repository.Store. The
// final checkpoint carries the run report and the held-out metrics, which
// are computed with the best weights already restored.
type checkpointer struct {
	store    repository.Store
	snapshot func() (*repository.Checkpoint, error)
	evaluate func() (*evaluation.Metrics, error)

	metrics *evaluation.Metrics
}

var _ training.Checkpointer = (*checkpointer)(nil)

func (c *checkpointer) SaveBest(ctx context.Context, e training.Epoch) error {
	cp, err := c.snapshot()
	if err != nil {
		return err
	}
	cp.RunID = e.RunID
	cp.Epoch = e.Number
	return c.store.Save(ctx, repository.KindBest, cp)
}

func (c *checkpointer) SaveFinal(ctx context.Context, r *training.Report) error {
	m, err := c.evaluate()
	if err != nil {
		return err
	}
	c.metrics = m

	cp, err := c.snapshot()
	if err != nil {
		return err
	}
	cp.RunID = r.RunID
	cp.Epoch = r.BestEpoch
	cp.Training = r
	cp.Metrics = m
	return c.store.Save(ctx, repository.KindFinal, cp)
}
