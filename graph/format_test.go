// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatPackSize(t *testing.T) {
	assert.Equal(t, 1, FormatNCHW.PackSize())
	assert.Equal(t, 1, FormatNHWC.PackSize())
	assert.Equal(t, 4, FormatNCHW4.PackSize())
	assert.Equal(t, 4, FormatNCHW44.PackSize())
	assert.Equal(t, 4, FormatNCHW44Dot.PackSize())
	assert.Equal(t, 4, FormatCHWN4.PackSize())
	assert.Equal(t, 4, FormatNHWCD4.PackSize())
	assert.Equal(t, 8, FormatNCHW8.PackSize())
	assert.Equal(t, 8, FormatNCHW88.PackSize())
	assert.Equal(t, 32, FormatNCHW32.PackSize())
	assert.Equal(t, 64, FormatNCHW64.PackSize())
}

func TestFormatConvertShape(t *testing.T) {
	nchw := shapes.Make(dtypes.Float32, 2, 16, 10, 12)

	tests := []struct {
		to   Format
		want []int
	}{
		{FormatNHWC, []int{2, 10, 12, 16}},
		{FormatNCHW4, []int{2, 4, 10, 12, 4}},
		{FormatNCHW8, []int{2, 2, 10, 12, 8}},
		{FormatCHWN4, []int{4, 10, 12, 2, 4}},
		{FormatNHWCD4, []int{2, 10, 4, 12, 4}},
	}
	for _, test := range tests {
		converted := FormatNCHW.ConvertShape(nchw, test.to)
		assert.Equal(t, test.want, converted.Dimensions, "NCHW -> %s", test.to)
		assert.Equal(t, dtypes.Float32, converted.DType)

		// And back.
		back := test.to.ConvertShape(converted, FormatNCHW)
		assert.True(t, nchw.Equal(back), "%s -> NCHW: got %s", test.to, back)
	}
}

func TestFormatConvertShapeIdentity(t *testing.T) {
	nchw := shapes.Make(dtypes.Int8, 1, 4, 3, 3)
	same := FormatNCHW.ConvertShape(nchw, FormatNCHW)
	assert.True(t, nchw.Equal(same))
}

func TestFormatChannels(t *testing.T) {
	assert.Equal(t, 16, FormatNCHW.Channels(shapes.Make(dtypes.Float32, 2, 16, 10, 12)))
	assert.Equal(t, 16, FormatNCHW4.Channels(shapes.Make(dtypes.Float32, 2, 4, 10, 12, 4)))
	assert.Equal(t, 16, FormatNHWC.Channels(shapes.Make(dtypes.Float32, 2, 10, 12, 16)))
	assert.Equal(t, 16, FormatCHWN4.Channels(shapes.Make(dtypes.Float32, 4, 10, 12, 2, 4)))
}

func TestFormatConvertShapePanics(t *testing.T) {
	// 6 channels do not pack in blocks of 4.
	require.Panics(t, func() {
		FormatNCHW.ConvertShape(shapes.Make(dtypes.Float32, 1, 6, 3, 3), FormatNCHW4)
	})
	// Rank mismatch.
	require.Panics(t, func() {
		FormatNCHW4.ConvertShape(shapes.Make(dtypes.Float32, 1, 6, 3, 3), FormatNCHW)
	})
}
