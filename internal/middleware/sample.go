package middleware

import (
	"math/rand/v2"

	"github.com/kb-labs/analytics/internal/model"
)

// sampler keeps an event with the probability configured for its type. A
// rate of 0 always drops, 1 and above always keeps.
type sampler struct {
	defaultRate float64
	byEvent     map[string]float64
	randFloat   func() float64 // swapped in tests
}

func newSampler(defaultRate float64, byEvent map[string]float64) *sampler {
	return &sampler{
		defaultRate: defaultRate,
		byEvent:     byEvent,
		randFloat:   rand.Float64,
	}
}

func (s *sampler) Name() string { return "sample" }

func (s *sampler) Process(e model.Event) (model.Event, bool) {
	rate, ok := s.byEvent[e.Type]
	if !ok {
		rate = s.defaultRate
	}
	if rate >= 1 {
		return e, true
	}
	if rate <= 0 {
		return model.Event{}, false
	}
	if s.randFloat() < rate {
		return e, true
	}
	return model.Event{}, false
}
