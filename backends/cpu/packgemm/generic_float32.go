// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

package packgemm

import (
	"runtime"
	"sync"
)

func init() {
	if Float32PackAB == nil {
		Float32PackAB = genericFloat32PackAB
	}
}

// genericFloat32PackAB implements Float32PackAB in portable Go. It is used
// when no SIMD-optimized implementation is available.
func genericFloat32PackAB(alpha, beta float32, packedLhs, packedRhs []float32,
	lhsCrossSize, rhsCrossSize, contractingSize int, output []float32, starter GoroutineStarter) {
	lhsStrips := (lhsCrossSize + LhsKernelRows - 1) / LhsKernelRows
	if lhsStrips == 0 || rhsCrossSize == 0 {
		return
	}
	if starter == nil {
		genericFloat32Strips(alpha, beta, packedLhs, packedRhs,
			lhsCrossSize, rhsCrossSize, contractingSize, output, 0, lhsStrips)
		return
	}

	// Each task takes a run of LHS strips. Strips write disjoint output rows,
	// so the tasks only synchronize on the final wait.
	stripsPerTask := (lhsStrips + runtime.GOMAXPROCS(0) - 1) / runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	for stripStart := 0; stripStart < lhsStrips; stripStart += stripsPerTask {
		stripEnd := min(stripStart+stripsPerTask, lhsStrips)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			genericFloat32Strips(alpha, beta, packedLhs, packedRhs,
				lhsCrossSize, rhsCrossSize, contractingSize, output, stripStart, stripEnd)
		}
		if !starter(task) {
			task()
		}
	}
	wg.Wait()
}

// genericFloat32Strips runs the micro-kernel over the LHS strips
// [stripStart, stripEnd).
func genericFloat32Strips(alpha, beta float32, packedLhs, packedRhs []float32,
	lhsCrossSize, rhsCrossSize, contractingSize int, output []float32, stripStart, stripEnd int) {
	// Accumulator tile for the micro-kernel.
	accum := make([]float32, LhsKernelRows*RhsKernelCols)

	for strip := stripStart; strip < stripEnd; strip++ {
		rowStart := strip * LhsKernelRows
		activeRows := min(LhsKernelRows, lhsCrossSize-rowStart)
		// Full strips before the tail each hold LhsKernelRows rows.
		lhsStrip := packedLhs[rowStart*contractingSize:]
		for colStart := 0; colStart < rhsCrossSize; colStart += RhsKernelCols {
			activeCols := min(RhsKernelCols, rhsCrossSize-colStart)
			rhsStrip := packedRhs[colStart*contractingSize:]
			genericFloat32MicroKernel(contractingSize, alpha, beta,
				lhsStrip, rhsStrip, output, accum,
				rowStart, colStart, rhsCrossSize, activeRows, activeCols)
		}
	}
}

// genericFloat32MicroKernel computes one [activeRows, activeCols] output tile
// from one packed LHS strip and one packed RHS strip.
func genericFloat32MicroKernel(
	contractingLen int,
	alpha, beta float32,
	lhsStrip, rhsStrip []float32,
	output, accum []float32,
	outputRowStart, outputColStart int,
	outputStride int,
	activeRows, activeCols int,
) {
	for ii := range accum {
		accum[ii] = 0
	}

	// lhsStrip is stored [k][r] with r the strip row; a compact tail strip
	// advances by activeRows per k step. rhsStrip is stored [k][c] and is
	// always RhsKernelCols wide, padding columns contributing zeros.
	idxLhs := 0
	idxRhs := 0
	for range contractingLen {
		for r := 0; r < activeRows; r++ {
			valLhs := lhsStrip[idxLhs+r]
			for c := 0; c < RhsKernelCols; c++ {
				accum[r*RhsKernelCols+c] += valLhs * rhsStrip[idxRhs+c]
			}
		}
		idxLhs += activeRows
		idxRhs += RhsKernelCols
	}

	for r := 0; r < activeRows; r++ {
		outIdx := (outputRowStart+r)*outputStride + outputColStart
		for c := 0; c < activeCols; c++ {
			res := alpha * accum[r*RhsKernelCols+c]
			if beta == 0 {
				output[outIdx+c] = res
			} else {
				output[outIdx+c] = res + beta*output[outIdx+c]
			}
		}
	}
}
