// internal/services/breakdown_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/SceneBreakdown/internal/breakdown"
	apperrors "github.com/Corphon/SceneBreakdown/internal/errors"
	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/storage"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

// 服务级指标
const (
	MetricCollectionsSaved = "service.collections_saved"
	MetricAsyncTasks       = "service.async_tasks_running"
)

// GenerateRequest 是一次拆解请求
type GenerateRequest struct {
	UnitID string                 `json:"unit_id,omitempty"`
	Title  string                 `json:"title,omitempty"`
	Script *models.ScriptDocument `json:"script"`
	Series models.SeriesContext   `json:"series"`
}

// AsyncTask identifies a background run.
type AsyncTask struct {
	TaskID string `json:"task_id"`
	UnitID string `json:"unit_id"`
}

// BreakdownService 负责运行流水线、记录进度并持久化结果
type BreakdownService struct {
	pipeline *breakdown.Pipeline
	store    storage.CollectionStore
	progress *ProgressService
	locks    *LockManager
	logger   *utils.Logger
	metrics  *utils.MetricsCollector

	batchLimit int

	// 异步任务的生命周期与服务绑定，不随请求上下文取消
	// mu 保护 closed 与 tasks.Add，Close 之后不再接收新任务
	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	tasks   sync.WaitGroup
}

// BreakdownServiceDeps 构造依赖
type BreakdownServiceDeps struct {
	Pipeline   *breakdown.Pipeline
	Store      storage.CollectionStore
	Progress   *ProgressService
	Locks      *LockManager
	Logger     *utils.Logger
	Metrics    *utils.MetricsCollector
	BatchLimit int
}

// NewBreakdownService 创建拆解服务
func NewBreakdownService(deps BreakdownServiceDeps) (*BreakdownService, error) {
	if deps.Pipeline == nil {
		return nil, apperrors.NewValidationError("pipeline is required", nil)
	}
	if deps.Store == nil {
		return nil, apperrors.NewValidationError("collection store is required", nil)
	}
	if deps.Progress == nil {
		deps.Progress = NewProgressService()
	}
	if deps.Locks == nil {
		deps.Locks = NewLockManager()
	}
	if deps.Metrics == nil {
		deps.Metrics = utils.NewMetricsCollector()
	}
	if deps.BatchLimit <= 0 {
		deps.BatchLimit = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BreakdownService{
		pipeline:   deps.Pipeline,
		store:      deps.Store,
		progress:   deps.Progress,
		locks:      deps.Locks,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		batchLimit: deps.BatchLimit,
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// Progress returns the tracker registry used for async runs.
func (s *BreakdownService) Progress() *ProgressService {
	return s.progress
}

// BatchLimit returns the default batch concurrency.
func (s *BreakdownService) BatchLimit() int {
	return s.batchLimit
}

func (s *BreakdownService) input(req GenerateRequest) (breakdown.Input, error) {
	if req.Script == nil {
		return breakdown.Input{}, apperrors.NewValidationError("script document is required", nil)
	}
	unitID := req.UnitID
	if unitID == "" {
		unitID = req.Script.ID
	}
	if unitID == "" {
		unitID = uuid.NewString()
	}
	if !storage.ValidUnitID(unitID) {
		return breakdown.Input{}, apperrors.NewValidationError(fmt.Sprintf("invalid unit id %q", unitID), nil)
	}
	return breakdown.Input{
		UnitID:   unitID,
		Title:    req.Title,
		Document: req.Script,
		Series:   req.Series,
	}, nil
}

// Generate runs the pipeline for one script and stores the collection.
func (s *BreakdownService) Generate(ctx context.Context, req GenerateRequest) (*models.BreakdownCollection, error) {
	in, err := s.input(req)
	if err != nil {
		return nil, err
	}
	return s.runInput(ctx, in, nil)
}

// runInput 在 unit 锁内运行流水线并保存
func (s *BreakdownService) runInput(ctx context.Context, in breakdown.Input, obs breakdown.Observer) (*models.BreakdownCollection, error) {
	if in.UnitID != "" && !storage.ValidUnitID(in.UnitID) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid unit id %q", in.UnitID), nil)
	}

	var col *models.BreakdownCollection
	err := s.locks.ExecuteWithUnitLock(in.UnitID, func() error {
		result, err := s.pipeline.RunObserved(ctx, in, obs)
		if err != nil {
			return err
		}
		if err := s.store.Save(ctx, result); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.WrapError(err, "failed to persist breakdown collection", apperrors.ErrorTypeError)
		}
		col = result
		return nil
	})
	if err != nil {
		s.logger.Warn("breakdown run failed", map[string]interface{}{
			"unit_id": in.UnitID,
			"error":   err.Error(),
		})
		return nil, err
	}

	s.metrics.IncrementCounter(MetricCollectionsSaved)
	s.logger.Info("breakdown collection saved", map[string]interface{}{
		"unit_id":  col.UnitID,
		"records":  len(col.Records),
		"warnings": len(col.Warnings),
		"total":    col.TotalBudgetImpact,
	})
	return col, nil
}

// serviceRunner 让批处理经过锁与持久化
type serviceRunner struct {
	s *BreakdownService
}

func (r serviceRunner) Run(ctx context.Context, in breakdown.Input) (*models.BreakdownCollection, error) {
	return r.s.runInput(ctx, in, nil)
}

// GenerateBatch runs independent requests with at most limit in flight.
// limit <= 0 uses the configured batch concurrency.
func (s *BreakdownService) GenerateBatch(ctx context.Context, reqs []GenerateRequest, limit int) []breakdown.BatchResult {
	if limit <= 0 {
		limit = s.batchLimit
	}

	results := make([]breakdown.BatchResult, len(reqs))
	inputs := make([]breakdown.Input, 0, len(reqs))
	positions := make([]int, 0, len(reqs))
	for i, req := range reqs {
		in, err := s.input(req)
		if err != nil {
			results[i] = breakdown.BatchResult{Index: i, UnitID: req.UnitID, Err: err}
			continue
		}
		inputs = append(inputs, in)
		positions = append(positions, i)
	}

	for j, res := range breakdown.RunBatch(ctx, serviceRunner{s: s}, inputs, limit) {
		res.Index = positions[j]
		results[positions[j]] = res
	}
	return results
}

// StartAsync validates the request and runs it in the background. Progress is
// published on the returned task id.
func (s *BreakdownService) StartAsync(req GenerateRequest) (AsyncTask, error) {
	in, err := s.input(req)
	if err != nil {
		return AsyncTask{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return AsyncTask{}, apperrors.NewConflictError("breakdown service is shutting down", context.Canceled)
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	task := AsyncTask{TaskID: uuid.NewString(), UnitID: in.UnitID}
	tracker := s.progress.CreateTracker(task.TaskID)
	s.metrics.IncGauge(MetricAsyncTasks)
	go func() {
		defer s.tasks.Done()
		defer s.metrics.DecGauge(MetricAsyncTasks)

		col, err := s.runInput(s.baseCtx, in, tracker.Observer())
		if err != nil {
			tracker.Fail(err.Error())
			return
		}
		tracker.Complete(col.UnitID, fmt.Sprintf("%d scenes, %d warnings", len(col.Records), len(col.Warnings)))
	}()

	return task, nil
}

// Task returns the current state of an async run.
func (s *BreakdownService) Task(taskID string) (ProgressUpdate, error) {
	tracker, ok := s.progress.GetTracker(taskID)
	if !ok {
		return ProgressUpdate{}, apperrors.NewNotFoundError(fmt.Sprintf("task %s not found", taskID), nil)
	}
	return tracker.Snapshot(), nil
}

// Get loads a stored collection.
func (s *BreakdownService) Get(ctx context.Context, unitID string) (*models.BreakdownCollection, error) {
	var col *models.BreakdownCollection
	err := s.locks.ExecuteWithUnitReadLock(unitID, func() error {
		loaded, err := s.store.Load(ctx, unitID)
		col = loaded
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrCollectionNotFound) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("breakdown %s not found", unitID), err)
		}
		return nil, err
	}
	return col, nil
}

// List returns stored collection summaries, newest first.
func (s *BreakdownService) List(ctx context.Context) ([]models.CollectionSummary, error) {
	return s.store.List(ctx)
}

// Delete removes a stored collection. It waits for any run on the same unit.
func (s *BreakdownService) Delete(ctx context.Context, unitID string) error {
	err := s.locks.ExecuteWithUnitLock(unitID, func() error {
		return s.store.Delete(ctx, unitID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrCollectionNotFound) {
			return apperrors.NewNotFoundError(fmt.Sprintf("breakdown %s not found", unitID), err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewProcessingError("failed to delete breakdown collection", err)
	}
	s.logger.Infof("breakdown collection %s deleted", unitID)
	return nil
}

// CleanupTasks 清理超过 maxAge 的已结束任务
func (s *BreakdownService) CleanupTasks(maxAge time.Duration) int {
	removed := s.progress.CleanupCompletedTasks(maxAge)
	if removed > 0 {
		s.logger.Debugf("cleaned up %d finished tasks", removed)
	}
	return removed
}

// Wait blocks until all background runs have finished.
func (s *BreakdownService) Wait() {
	s.tasks.Wait()
}

// Close cancels running background tasks and waits for them.
func (s *BreakdownService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.tasks.Wait()
	s.locks.Stop()
}
