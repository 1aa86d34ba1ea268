// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ForEach(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(3)

	var running, maxRunning atomic.Int32
	results := make([]int, 20)
	pool.ForEach(len(results), func(i int) {
		current := running.Add(1)
		for {
			prev := maxRunning.Load()
			if current <= prev || maxRunning.CompareAndSwap(prev, current) {
				break
			}
		}
		runtime.Gosched()
		results[i] = i * i
		running.Add(-1)
	})
	for i, r := range results {
		assert.Equal(t, i*i, r)
	}
	assert.LessOrEqual(t, int(maxRunning.Load()), 3)

	// No parallelism: tasks run inline and in order.
	pool.SetMaxParallelism(0)
	var order []int
	pool.ForEach(5, func(i int) { order = append(order, i) })
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	// Unlimited.
	pool.SetMaxParallelism(-1)
	var count atomic.Int32
	pool.ForEach(10, func(int) { count.Add(1) })
	assert.Equal(t, int32(10), count.Load())
}

func TestPool_ZeroValue(t *testing.T) {
	var pool *Pool
	assert.False(t, pool.IsEnabled())
	sum := 0
	pool.ForEach(4, func(i int) { sum += i })
	assert.Equal(t, 6, sum)
}
