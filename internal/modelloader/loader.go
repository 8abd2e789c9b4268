// Package modelloader assembles Stable Diffusion models from the on-disk
// formats they ship in. Loading is best effort: every format strategy is
// tried in priority order and the first one that succeeds wins.
package modelloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bvhari/OneTrainer/internal/model"
)

// ErrEmptyPath is returned when Load is called without a model path.
var ErrEmptyPath = errors.New("model path is empty")

// Loader runs the format fallback chain.
type Loader struct {
	log zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger installs a logger. The default loader is silent.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loader) {
		l.log = log
	}
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	l := &Loader{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type strategy struct {
	name string
	load func(fpath string, t model.Type) (*model.StableDiffusionModel, error)
}

// Load reads the model at fpath, trying each format strategy in order:
// internal training checkpoint, diffusers directory, monolithic
// safetensors, legacy ckpt. Weights are cast to the requested dtypes.
// When every strategy fails the returned error wraps all of their errors.
func (l *Loader) Load(ctx context.Context, t model.Type, dtypes model.WeightDtypes, fpath string) (*model.StableDiffusionModel, error) {
	if fpath == "" {
		return nil, ErrEmptyPath
	}

	strategies := []strategy{
		{"internal", l.loadInternal},
		{"diffusers", l.loadDiffusers},
		{"safetensors", l.loadSafetensors},
		{"ckpt", l.loadCkpt},
	}

	var attempts []error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := s.load(fpath, t)
		if err != nil {
			l.log.Debug().Str("strategy", s.name).Str("path", fpath).Err(err).
				Msg("load strategy failed")
			attempts = append(attempts, fmt.Errorf("%s: %w", s.name, err))
			continue
		}

		if err := m.CastWeights(dtypes); err != nil {
			return nil, fmt.Errorf("failed to cast weights: %w", err)
		}
		m.SourceFormat = s.name
		m.EnsureSpec()
		l.log.Debug().Str("strategy", s.name).Str("path", fpath).Msg("model loaded")
		return m, nil
	}

	return nil, fmt.Errorf("could not load model %s: %w", fpath, errors.Join(attempts...))
}
