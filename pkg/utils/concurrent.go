package utils

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ExecuteWithResults runs functions concurrently, at most maxConcurrency at a
// time, and returns results and errors index-aligned with functions.
// A function that has not started when ctx is cancelled reports ctx.Err().
// Panics are recovered and reported as *PanicError.
func ExecuteWithResults[T any](ctx context.Context, maxConcurrency int, functions ...func() (T, error)) ([]T, []error) {
	if len(functions) == 0 {
		return nil, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = GetSemaphoreLimit()
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	results := make([]T, len(functions))
	errs := make([]error, len(functions))
	var wg sync.WaitGroup

	for i, fn := range functions {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(functions); j++ {
				errs[j] = err
			}
			break
		}
		wg.Add(1)
		go func(index int, function func() (T, error)) {
			defer wg.Done()
			defer sem.Release(1)
			defer RecoverWithCallback(func(err error) {
				errs[index] = err
			})
			results[index], errs[index] = function()
		}(i, fn)
	}

	wg.Wait()
	return results, errs
}

// SemaphoreGather runs functions concurrently with bounded parallelism and
// returns their errors index-aligned with functions.
func SemaphoreGather(ctx context.Context, maxConcurrency int, functions ...func() error) []error {
	wrapped := make([]func() (struct{}, error), len(functions))
	for i, fn := range functions {
		wrapped[i] = func() (struct{}, error) { return struct{}{}, fn() }
	}
	_, errs := ExecuteWithResults(ctx, maxConcurrency, wrapped...)
	return errs
}

// Worker processes one item for a WorkerPool.
type Worker[T any, R any] func(ctx context.Context, item T) (R, error)

// WorkerPool applies a Worker to a slice of items with a fixed number of
// goroutines. Results and errors are index-aligned with the input.
//
//	pool := NewWorkerPool(4, func(ctx context.Context, n *types.Node) (*types.Node, error) {
//	    return backfill(ctx, n)
//	})
//	nodes, errs := pool.ProcessItems(ctx, nodes)
type WorkerPool[T any, R any] struct {
	numWorkers int
	worker     Worker[T, R]
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool[T any, R any](numWorkers int, worker Worker[T, R]) *WorkerPool[T, R] {
	if numWorkers <= 0 {
		numWorkers = GetSemaphoreLimit()
	}
	return &WorkerPool[T, R]{numWorkers: numWorkers, worker: worker}
}

// ProcessItems runs the worker over items. Items not reached before ctx is
// cancelled report ctx.Err().
func (wp *WorkerPool[T, R]) ProcessItems(ctx context.Context, items []T) ([]R, []error) {
	if len(items) == 0 {
		return nil, nil
	}

	indexes := make(chan int, len(items))
	for i := range items {
		indexes <- i
	}
	close(indexes)

	results := make([]R, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup

	workers := min(wp.numWorkers, len(items))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				if err := ctx.Err(); err != nil {
					errs[idx] = err
					continue
				}
				func() {
					defer RecoverWithCallback(func(err error) {
						errs[idx] = err
					})
					results[idx], errs[idx] = wp.worker(ctx, items[idx])
				}()
			}
		}()
	}

	wg.Wait()
	return results, errs
}

// Batch splits items into consecutive chunks of at most batchSize.
func Batch[T any](items []T, batchSize int) [][]T {
	if batchSize <= 0 {
		batchSize = 10
	}
	batches := make([][]T, 0, (len(items)+batchSize-1)/batchSize)
	for i := 0; i < len(items); i += batchSize {
		batches = append(batches, items[i:min(i+batchSize, len(items))])
	}
	return batches
}
