package cost

import "sync"

// Rates maps a Claude model ID to its token pricing.
type Rates map[string]ModelRate

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is the token count of one or more calls.
type Usage struct {
	Input      int64 `json:"input_tokens"`
	Output     int64 `json:"output_tokens"`
	CacheWrite int64 `json:"cache_write_tokens"`
	CacheRead  int64 `json:"cache_read_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Input:      u.Input + o.Input,
		Output:     u.Output + o.Output,
		CacheWrite: u.CacheWrite + o.CacheWrite,
		CacheRead:  u.CacheRead + o.CacheRead,
	}
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost in USD of usage on model. Unknown models cost 0.
func (c *Calculator) Claude(model string, u Usage) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}

	inCost := (float64(u.Input) / 1e6) * rate.Input
	outCost := (float64(u.Output) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Known reports whether model has a configured rate.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rates[model]
	return ok
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-opus-4-6": {
			Input: 15.00, Output: 75.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	}
}

// Totals is a point-in-time view of a Tracker.
type Totals struct {
	Calls int     `json:"calls"`
	Usage Usage   `json:"usage"`
	USD   float64 `json:"estimated_cost_usd"`
}

// Tracker accumulates spend across provider calls. Safe for concurrent use.
type Tracker struct {
	calc *Calculator

	mu     sync.Mutex
	totals Totals
}

// NewTracker returns a Tracker pricing calls with calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{calc: calc}
}

// Add records one call and returns its cost.
func (t *Tracker) Add(model string, u Usage) float64 {
	usd := t.calc.Claude(model, u)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals.Calls++
	t.totals.Usage = t.totals.Usage.Add(u)
	t.totals.USD += usd
	return usd
}

// Totals returns the accumulated spend.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}
