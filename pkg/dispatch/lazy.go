package dispatch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// BuildFunc constructs the directory. It may be slow: model clients, memory
// connections and the agent catalog are created here.
type BuildFunc func(ctx context.Context) (*Directory, error)

// Lazy builds the directory on first use. Concurrent first callers share one
// construction and all observe its outcome. A failed construction is not
// remembered; the next caller tries again.
type Lazy struct {
	build  BuildFunc
	group  singleflight.Group
	dir    atomic.Pointer[Directory]
	builds atomic.Int64
}

// NewLazy wraps build.
func NewLazy(build BuildFunc) *Lazy {
	return &Lazy{build: build}
}

// Get returns the directory, building it if needed. The construction is not
// bound to the cancellation of whichever caller happened to trigger it.
func (l *Lazy) Get(ctx context.Context) (*Directory, error) {
	if d := l.dir.Load(); d != nil {
		return d, nil
	}

	v, err, _ := l.group.Do("directory", func() (any, error) {
		if d := l.dir.Load(); d != nil {
			return d, nil
		}
		l.builds.Add(1)
		d, err := l.build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		l.dir.Store(d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Directory), nil
}

// Ready reports whether the directory has been built.
func (l *Lazy) Ready() bool {
	return l.dir.Load() != nil
}

// Builds counts construction attempts.
func (l *Lazy) Builds() int64 {
	return l.builds.Load()
}
