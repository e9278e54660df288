package calibration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownCalibrator = errors.New("calibrator not found")
	ErrRegistryFull      = errors.New("calibrator registry is full")
)

type Entry struct {
	ID         string
	Calibrator *Calibrator
	CreatedAt  time.Time
}

// Registry keeps named calibrators in process for the HTTP service.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	maxSize int
}

func NewRegistry(maxSize int) *Registry {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &Registry{entries: make(map[string]*Entry), maxSize: maxSize}
}

// Create registers a new unfitted calibrator. Live calibrators are never evicted;
// once maxSize entries exist callers must delete one first.
func (r *Registry) Create(opts Options) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.maxSize {
		return nil, fmt.Errorf("%w: %d calibrators", ErrRegistryFull, r.maxSize)
	}
	e := &Entry{ID: uuid.New().String(), Calibrator: New(opts), CreatedAt: time.Now()}
	r.entries[e.ID] = e
	return e, nil
}

func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrUnknownCalibrator
	}
	return e, nil
}

func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
