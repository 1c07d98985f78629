package utils

import (
	"encoding/binary"
	"fmt"
	"gorgonia.org/tensor"
	"math"
	"sort"
)

// ArgSortDescending returns the indices that order data from largest to smallest. The sort is
// stable, so equal values keep their original relative order.
func ArgSortDescending(data []float32) []int {
	indices := make([]int, len(data))
	for i := range indices {
		indices[i] = i
	}

	sort.SliceStable(indices, func(i, j int) bool {
		return data[indices[i]] > data[indices[j]]
	})

	return indices
}

// BytesToFloat32s decodes little-endian IEEE-754 values as returned in raw inference outputs.
func BytesToFloat32s(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("raw output length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// Float32Dense wraps data in a dense tensor after checking that shape covers it exactly.
func Float32Dense(data []float32, shape ...int) (*tensor.Dense, error) {
	size := 1
	for _, s := range shape {
		if s < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", shape)
		}
		size *= s
	}
	if size != len(data) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, size, len(data))
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape...),
		tensor.WithBacking(data),
	), nil
}
