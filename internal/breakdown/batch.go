// internal/breakdown/batch.go
package breakdown

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

// Runner runs a single pipeline input. *Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, in Input) (*models.BreakdownCollection, error)
}

// BatchResult is the per-input outcome of RunBatch.
type BatchResult struct {
	Index      int
	UnitID     string
	Collection *models.BreakdownCollection
	Err        error
}

// RunBatch runs independent inputs with at most limit in flight. A failing
// input never cancels its siblings; results keep input order.
func RunBatch(ctx context.Context, runner Runner, inputs []Input, limit int) []BatchResult {
	results := make([]BatchResult, len(inputs))
	if limit <= 0 {
		limit = 1
	}

	// 不使用 errgroup.WithContext：单个失败不应取消其他任务
	var g errgroup.Group
	g.SetLimit(limit)

	for i, in := range inputs {
		i, in := i, in
		results[i] = BatchResult{Index: i, UnitID: in.UnitID}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			col, err := runner.Run(ctx, in)
			results[i].Collection = col
			results[i].Err = err
			if col != nil && results[i].UnitID == "" {
				results[i].UnitID = col.UnitID
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
