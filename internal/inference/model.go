package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sync"

	"textdetect-service/internal/features"
)

// Model scores a feature vector. The returned value is clamped by the Engine.
type Model interface {
	Predict(v features.Vector) (float64, error)
}

// Loader builds a Model from an artifact path. It returns (nil, nil) when no
// artifact exists at path.
type Loader func(path string) (Model, error)

// ModelHandle owns the process-wide model. It is created once at startup and
// injected into the Engine; the artifact is loaded at most once no matter how
// many goroutines ask for it first.
type ModelHandle struct {
	path   string
	loader Loader

	once  sync.Once
	model Model
	err   error
}

func NewModelHandle(path string, loader Loader) *ModelHandle {
	if loader == nil {
		loader = LoadLinearModel
	}
	return &ModelHandle{path: path, loader: loader}
}

// StaticModel wraps an already built model, mostly for tests.
func StaticModel(m Model) *ModelHandle {
	h := &ModelHandle{}
	h.once.Do(func() { h.model = m })
	return h
}

// Get returns the cached model. A nil model with a nil error means fallback mode.
func (h *ModelHandle) Get() (Model, error) {
	if h == nil {
		return nil, nil
	}
	h.once.Do(func() {
		if h.path == "" {
			return
		}
		h.model, h.err = h.loader(h.path)
	})
	return h.model, h.err
}

// Mode is "model" or "fallback". Load errors report "error".
func (h *ModelHandle) Mode() string {
	m, err := h.Get()
	switch {
	case err != nil:
		return "error"
	case m == nil:
		return ModeFallback
	default:
		return ModeModel
	}
}

// LinearModel is the JSON model artifact: activation(w·x + b).
type LinearModel struct {
	Weights    []float64 `json:"weights"`
	Bias       float64   `json:"bias"`
	Activation string    `json:"activation"`
}

func (m *LinearModel) Predict(v features.Vector) (float64, error) {
	if len(m.Weights) != features.Size {
		return 0, fmt.Errorf("model expects %d weights, has %d", features.Size, len(m.Weights))
	}
	z := m.Bias
	for i, w := range m.Weights {
		z += w * v[i]
	}
	switch m.Activation {
	case "", "sigmoid":
		return 1 / (1 + math.Exp(-z)), nil
	case "identity":
		return z, nil
	default:
		return 0, fmt.Errorf("unknown activation %q", m.Activation)
	}
}

// LoadLinearModel reads a LinearModel artifact. A missing file is not an error.
func LoadLinearModel(path string) (Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}

	var m LinearModel
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if len(m.Weights) != features.Size {
		return nil, fmt.Errorf("model %s: expected %d weights, got %d", path, features.Size, len(m.Weights))
	}
	return &m, nil
}
