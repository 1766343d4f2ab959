// Package inference maps a feature vector to the probability that the text
// was machine generated.
package inference

import (
	"fmt"

	"textdetect-service/internal/features"
	"textdetect-service/internal/metrics"
)

const (
	ModeModel    = "model"
	ModeFallback = "fallback"
)

type Engine struct {
	handle *ModelHandle
}

func NewEngine(handle *ModelHandle) *Engine {
	return &Engine{handle: handle}
}

// Infer returns a probability in [0,1]. Without a model it never fails.
func (e *Engine) Infer(v features.Vector) (float64, error) {
	m, err := e.handle.Get()
	if err != nil {
		return 0, fmt.Errorf("load model: %w", err)
	}
	if m == nil {
		metrics.InferenceTotal.WithLabelValues(ModeFallback).Inc()
		return Fallback(v), nil
	}

	p, err := m.Predict(v)
	if err != nil {
		return 0, fmt.Errorf("predict: %w", err)
	}
	metrics.InferenceTotal.WithLabelValues(ModeModel).Inc()
	return clamp(p, 0, 1), nil
}
