package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ScanTask represents a data scanning task with partition info
type ScanTask struct {
	ID         int
	StartIndex int
	EndIndex   int
	Data       interface{}
}

// ScanResult represents the result of a scan task
type ScanResult struct {
	TaskID int
	Items  []interface{}
	Error  error
}

// ScanFunc is the function type for processing a scan task
type ScanFunc func(ctx context.Context, task ScanTask) (ScanResult, error)

// ScanPool is a specialized pool for parallel scanning operations
type ScanPool struct {
	pool     *Pool
	scanFunc ScanFunc
}

// NewScanPool creates a new scan pool
func NewScanPool(size int, scanFunc ScanFunc) (*ScanPool, error) {
	pool, err := New(Config{
		Size:                 size,
		QueueSize:            size * 2,
		IdleTimeout:          30 * 1e9, // 30 seconds
		EnableDynamicScaling: false,
	})
	if err != nil {
		return nil, err
	}

	sp := &ScanPool{
		pool:     pool,
		scanFunc: scanFunc,
	}

	return sp, nil
}

// Start starts the scan pool
func (sp *ScanPool) Start() error {
	return sp.pool.Start()
}

// ExecuteParallel executes scan tasks in parallel and collects results.
// Each task gets a goroutine that submits it to the underlying Pool via
// SubmitWait and waits for it, so actual concurrent execution is bounded
// by the pool's worker count (ScanPool's size argument, which the
// rhizo facade sets from Options.parallel_workers) rather than by the
// length of tasks. The pool's own executeTask already recovers task panics
// into ErrTaskPanic, so no separate recover is needed here.
func (sp *ScanPool) ExecuteParallel(ctx context.Context, tasks []ScanTask) ([]ScanResult, error) {
	if sp.pool.IsClosed() || !sp.pool.IsRunning() {
		return nil, ErrPoolClosed
	}

	results := make([]ScanResult, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var errCount int64
	var panicCount int64

	wg.Add(len(tasks))

	for i, task := range tasks {
		task := task
		idx := i

		go func() {
			defer wg.Done()

			err := sp.pool.SubmitWait(ctx, func(ctx context.Context) error {
				result, err := sp.scanFunc(ctx, task)
				if err != nil {
					return err
				}
				mu.Lock()
				results[idx] = result
				mu.Unlock()
				return nil
			})

			if err != nil {
				if errors.Is(err, ErrTaskPanic) {
					atomic.AddInt64(&panicCount, 1)
				} else {
					atomic.AddInt64(&errCount, 1)
				}
				mu.Lock()
				results[idx] = ScanResult{
					TaskID: task.ID,
					Error:  err,
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if panicCount > 0 {
		return results, ErrTaskPanic
	}
	if errCount > 0 {
		return results, errors.New("workerpool: one or more scan tasks failed")
	}

	return results, nil
}

// ExecuteParallelWithPool is ExecuteParallel under its original name, kept
// as an alias now that both route through the bounded Pool.
func (sp *ScanPool) ExecuteParallelWithPool(ctx context.Context, tasks []ScanTask) ([]ScanResult, error) {
	return sp.ExecuteParallel(ctx, tasks)
}

// Close closes the scan pool
func (sp *ScanPool) Close() error {
	return sp.pool.Close()
}

// Stats returns pool statistics
func (sp *ScanPool) Stats() Stats {
	return sp.pool.Stats()
}
