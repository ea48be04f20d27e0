// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, 24, s.Size())
	assert.Equal(t, uintptr(96), s.Memory())
	assert.True(t, s.Ok())
	assert.Equal(t, "(Float32)[2 3 4]", s.String())

	require.Panics(t, func() { Make(dtypes.Float32, 2, 0) })
	require.Panics(t, func() { Make(dtypes.Float32, -1) })
}

func TestScalar(t *testing.T) {
	s := Scalar[float32]()
	assert.True(t, s.IsScalar())
	assert.Equal(t, 0, s.Rank())
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, dtypes.Float32, s.DType)
}

func TestDim(t *testing.T) {
	s := Make(dtypes.Int8, 2, 3, 4)
	assert.Equal(t, 2, s.Dim(0))
	assert.Equal(t, 4, s.Dim(-1))
	assert.Equal(t, 3, s.Dim(-2))
	require.Panics(t, func() { s.Dim(3) })
	require.Panics(t, func() { s.Dim(-4) })
}

func TestEqual(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	assert.True(t, a.Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, a.Equal(Make(dtypes.Float64, 2, 3)))
	assert.False(t, a.Equal(Make(dtypes.Float32, 3, 2)))
	assert.False(t, a.Equal(Make(dtypes.Float32, 2, 3, 1)))

	assert.True(t, a.EqualDimensions(Make(dtypes.Float64, 2, 3)))
	assert.False(t, a.EqualDimensions(Make(dtypes.Float32, 2)))
}

func TestCloneAndWithDType(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := a.Clone()
	b.Dimensions[0] = 7
	assert.Equal(t, 2, a.Dim(0))

	h := a.WithDType(dtypes.Float16)
	assert.Equal(t, dtypes.Float16, h.DType)
	assert.Equal(t, dtypes.Float32, a.DType)
	assert.True(t, a.EqualDimensions(h))
}

func TestInvalid(t *testing.T) {
	assert.False(t, Invalid().Ok())
	assert.False(t, Shape{}.Ok())
	assert.False(t, Shape{}.IsScalar())
}
