// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

// Package packgemm multiplies float32 matrices that were pre-packed into the
// strip layouts the optimized gradient kernels consume.
//
// The caller owns the packed buffers: it sizes them with PackedLhsSize and
// PackedRhsSize, usually carving both out of a device's shared workspace,
// fills them with PackLhsFloat32 and PackRhsFloat32 and then calls
// Float32PackAB. Packing is paid once per operand even when the product is
// taken several times, which is what makes the layout worthwhile for the
// small repeated multiplications of a backward pass.
package packgemm

// GoroutineStarter is a function that starts a goroutine, if available from
// a worker pool. It returns false if no goroutine was started and the caller
// should run the work inline.
type GoroutineStarter func(work func()) bool

const (
	// LhsKernelRows (Mr) is the strip height of the packed LHS layout and
	// the row count of the micro-kernel tile.
	LhsKernelRows = 4

	// RhsKernelCols (Nr) is the strip width of the packed RHS layout and the
	// column count of the micro-kernel tile.
	RhsKernelCols = 8

	// ExtraLoadFloats is the slack callers leave after the packed regions
	// when sizing a shared workspace, so wide vector loads issued near the
	// end of a strip stay inside the allocation.
	ExtraLoadFloats = 16
)

// RoundUp returns value rounded up to the next multiple of to.
func RoundUp(value, to int) int {
	return (value + to - 1) / to * to
}

// PackedLhsSize returns the element count PackLhsFloat32 writes for an
// lhsCrossSize x contractingSize operand. The tail strip is stored compact,
// so this is exactly the operand's element count.
func PackedLhsSize(lhsCrossSize, contractingSize int) int {
	return lhsCrossSize * contractingSize
}

// PackedRhsSize returns the element count PackRhsFloat32 writes for a
// contractingSize x rhsCrossSize operand, zero-padding of the last strip
// included.
func PackedRhsSize(contractingSize, rhsCrossSize int) int {
	return contractingSize * RoundUp(rhsCrossSize, RhsKernelCols)
}

// PackLhsFloat32 packs src, a row-major lhsCrossSize x contractingSize
// matrix, into horizontal strips of LhsKernelRows rows. Within a strip the
// contracting axis is outer and the strip rows are innermost, so the
// micro-kernel reads its row operands contiguously. When lhsCrossSize is not
// a multiple of LhsKernelRows the final strip stores only the remaining
// rows, without padding.
func PackLhsFloat32(dst, src []float32, lhsCrossSize, contractingSize int) {
	dstIdx := 0
	for stripRow := 0; stripRow < lhsCrossSize; stripRow += LhsKernelRows {
		validRows := min(LhsKernelRows, lhsCrossSize-stripRow)
		for col := 0; col < contractingSize; col++ {
			for row := 0; row < validRows; row++ {
				dst[dstIdx] = src[(stripRow+row)*contractingSize+col]
				dstIdx++
			}
		}
	}
}

// PackRhsFloat32 packs src, a row-major contractingSize x rhsCrossSize
// matrix, into vertical strips of RhsKernelCols columns. When rhsCrossSize
// is not a multiple of RhsKernelCols the last strip is zero-padded, so the
// micro-kernel always reads full-width rows.
func PackRhsFloat32(dst, src []float32, contractingSize, rhsCrossSize int) {
	dstIdx := 0
	for stripCol := 0; stripCol < rhsCrossSize; stripCol += RhsKernelCols {
		validCols := min(RhsKernelCols, rhsCrossSize-stripCol)
		for row := 0; row < contractingSize; row++ {
			srcIdx := row*rhsCrossSize + stripCol
			copy(dst[dstIdx:dstIdx+validCols], src[srcIdx:srcIdx+validCols])
			dstIdx += validCols
			for c := validCols; c < RhsKernelCols; c++ {
				dst[dstIdx] = 0
				dstIdx++
			}
		}
	}
}

// Float32PackAB multiplies pre-packed float32 operands:
//
//	output = alpha * (lhs x rhs) + beta * output
//
// packedLhs and packedRhs were filled with PackLhsFloat32 and PackRhsFloat32;
// output is row-major lhsCrossSize x rhsCrossSize. Callers pass beta 0 to
// overwrite output and 1 to accumulate into it. A nil starter runs the whole
// product on the calling goroutine; otherwise independent strips of output
// rows are handed to the starter, and the call returns only after all of
// them finished.
//
// It is a variable so architecture-specific implementations can replace the
// generic one.
var Float32PackAB func(alpha, beta float32, packedLhs, packedRhs []float32,
	lhsCrossSize, rhsCrossSize, contractingSize int, output []float32, starter GoroutineStarter)
