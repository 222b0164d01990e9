package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		"haiku": {
			Input: 0.80, Output: 4.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"sonnet": {
			Input: 3.00, Output: 15.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: Usage{Input: 1000000, Output: 100000},
			want:  0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			usage: Usage{Input: 500000, Output: 50000, CacheWrite: 200000, CacheRead: 300000},
			// in: 0.40, out: 0.20, cw: 0.2 * 0.80 * 1.25, cr: 0.3 * 0.80 * 0.1
			want: 0.40 + 0.20 + 0.20 + 0.024,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			usage: Usage{Input: 1000000, Output: 100000},
			want:  3.00 + 1.50,
		},
		{
			name:  "unknown model returns 0",
			model: "unknown",
			usage: Usage{Input: 1000000, Output: 1000000},
			want:  0,
		},
		{
			name:  "zero tokens returns 0",
			model: "haiku",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Claude(tt.model, tt.usage), 0.001)
		})
	}
}

func TestKnown(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.True(t, calc.Known("haiku"))
	assert.False(t, calc.Known("gpt"))
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()

	assert.Contains(t, rates, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates, "claude-sonnet-4-5-20250929")
	assert.Contains(t, rates, "claude-opus-4-6")
}

func TestUsage_Add(t *testing.T) {
	t.Parallel()
	got := Usage{Input: 1, Output: 2, CacheWrite: 3, CacheRead: 4}.Add(Usage{Input: 10, Output: 20, CacheWrite: 30, CacheRead: 40})
	assert.Equal(t, Usage{Input: 11, Output: 22, CacheWrite: 33, CacheRead: 44}, got)
}

func TestTracker(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testRates()))

	assert.InDelta(t, 1.20, tr.Add("haiku", Usage{Input: 1000000, Output: 100000}), 0.001)
	assert.Zero(t, tr.Add("unknown", Usage{Input: 5}))

	got := tr.Totals()
	assert.Equal(t, 2, got.Calls)
	assert.Equal(t, int64(1000005), got.Usage.Input)
	assert.InDelta(t, 1.20, got.USD, 0.001)
}

func TestTracker_Concurrent(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testRates()))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Add("haiku", Usage{Output: 1000})
		}()
	}
	wg.Wait()

	got := tr.Totals()
	assert.Equal(t, 50, got.Calls)
	assert.Equal(t, int64(50000), got.Usage.Output)
}
