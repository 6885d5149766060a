package strategy

import (
	"github.com/shopspring/decimal"
)

// SMA is a simple moving average over a fixed window, computed in
// decimal arithmetic. Value reports false until the window is full.
type SMA struct {
	period int
	window []decimal.Decimal
	sum    decimal.Decimal
	next   int
	full   bool
}

// NewSMA creates an average over period samples. Period must be >= 1.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{period: period, window: make([]decimal.Decimal, period)}
}

// Update pushes one sample and returns the current value if the window
// is full.
func (s *SMA) Update(v decimal.Decimal) (decimal.Decimal, bool) {
	s.sum = s.sum.Sub(s.window[s.next]).Add(v)
	s.window[s.next] = v
	s.next++
	if s.next == s.period {
		s.next = 0
		s.full = true
	}
	if !s.full {
		return decimal.Decimal{}, false
	}
	return s.sum.Div(decimal.NewFromInt(int64(s.period))), true
}

// Reset clears the window.
func (s *SMA) Reset() {
	for i := range s.window {
		s.window[i] = decimal.Decimal{}
	}
	s.sum = decimal.Decimal{}
	s.next = 0
	s.full = false
}
