package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// ComputeConfig controls how batched operations fan out across goroutines.
//
// Single-threaded execution is deterministic and easier to debug; parallel
// execution splits independent batch slices across workers. Either way an
// operation returns only once all of its work is done.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of batched operations.
	Parallel bool

	// NumWorkers bounds the number of concurrent goroutines.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the minimum number of floating point
	// operations per call before work is split. Small products don't
	// benefit because of goroutine overhead.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 1 << 16,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{Parallel: false, NumWorkers: 1}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(work int) bool {
	return c.Parallel && c.numWorkers() > 1 && work >= c.MinSizeForParallel
}

var computeConfig = DefaultComputeConfig()

// SetComputeConfig replaces the process-wide compute configuration. It is
// meant to be called once at startup, before any tensors are computed.
func SetComputeConfig(cfg ComputeConfig) {
	computeConfig = cfg
}

// CurrentComputeConfig returns the process-wide compute configuration.
func CurrentComputeConfig() ComputeConfig {
	return computeConfig
}

// parallelFor calls fn(i) for i in [0, n). work is the total cost estimate
// used to decide whether splitting is worth it. fn must only write to state
// owned by index i.
func parallelFor(n, work int, fn func(i int)) {
	cfg := computeConfig
	if n < 2 || !cfg.shouldParallelize(work) {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(cfg.numWorkers())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// gemm computes c = op(a)·op(b) + beta·c for row-major operands, where c is
// (m, n) and the shared dimension is k. a is stored (m, k), or (k, m) when
// transA is set; b is stored (k, n), or (n, k) when transB is set.
func gemm(transA, transB bool, m, n, k int, a, b []float64, beta float64, c []float64) {
	ga := blas64.General{Rows: m, Cols: k, Stride: k, Data: a}
	tA := blas.NoTrans
	if transA {
		ga = blas64.General{Rows: k, Cols: m, Stride: m, Data: a}
		tA = blas.Trans
	}
	gb := blas64.General{Rows: k, Cols: n, Stride: n, Data: b}
	tB := blas.NoTrans
	if transB {
		gb = blas64.General{Rows: n, Cols: k, Stride: k, Data: b}
		tB = blas.Trans
	}
	gc := blas64.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas64.Gemm(tA, tB, 1, ga, gb, beta, gc)
}
