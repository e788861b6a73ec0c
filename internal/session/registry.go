package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrTooManySessions = errors.New("session limit reached")

// Builder assembles a screen with its own provider and lifecycle.
type Builder func(id string, kind Kind) (*Screen, error)

// Registry holds live screens by id.
type Registry struct {
	build Builder
	max   int

	mu      sync.RWMutex
	screens map[string]*Screen
}

// NewRegistry caps live screens at max; zero means unlimited.
func NewRegistry(build Builder, max int) *Registry {
	return &Registry{
		build:   build,
		max:     max,
		screens: make(map[string]*Screen),
	}
}

func (r *Registry) Create(kind Kind) (*Screen, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.screens) >= r.max {
		return nil, ErrTooManySessions
	}
	id := uuid.NewString()
	screen, err := r.build(id, kind)
	if err != nil {
		return nil, err
	}
	r.screens[id] = screen
	return screen, nil
}

func (r *Registry) Get(id string) (*Screen, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.screens[id]
	return s, ok
}

// Remove closes and forgets a screen.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	s, ok := r.screens[id]
	delete(r.screens, id)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.Close(ctx)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.screens)
}

// CloseAll closes every screen and waits for their in-flight requests.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	screens := r.screens
	r.screens = make(map[string]*Screen)
	r.mu.Unlock()

	var errs []error
	for _, s := range screens {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range screens {
		s.Wait()
	}
	return errors.Join(errs...)
}
