package scanning

import (
	"context"
	"log/slog"
	"sync"
)

// Lazy builds the wrapped Engine on first use and reuses it afterwards.
// Engine start-up (model loading, client dialing) is paid once per process
// and only when a recognition actually happens.
type Lazy struct {
	build  func() (Engine, error)
	once   sync.Once
	engine Engine
	err    error
}

// NewLazy returns an Engine that calls build at most once.
func NewLazy(build func() (Engine, error)) *Lazy {
	return &Lazy{build: build}
}

func (l *Lazy) get() (Engine, error) {
	l.once.Do(func() {
		slog.Info("Initializing OCR engine...")
		l.engine, l.err = l.build()
		if l.err != nil {
			slog.Error("Failed to initialize OCR engine", "error", l.err)
		}
	})
	return l.engine, l.err
}

// ReadText builds the engine if needed and delegates to it.
func (l *Lazy) ReadText(ctx context.Context, imagePath string) ([]Fragment, error) {
	engine, err := l.get()
	if err != nil {
		return nil, err
	}
	return engine.ReadText(ctx, imagePath)
}

// Close closes the engine if it was ever built.
func (l *Lazy) Close() error {
	if l.engine == nil {
		return nil
	}
	return l.engine.Close()
}
