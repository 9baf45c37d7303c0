package memory

import (
	"context"
	"sync"

	"github.com/robertarktes/rental-reservations/internal/domain"
)

// Directory is an in-process domain.ResourceDirectory.
type Directory struct {
	mu        sync.RWMutex
	resources map[string]domain.Resource
}

func NewDirectory(resources ...domain.Resource) *Directory {
	d := &Directory{resources: make(map[string]domain.Resource)}
	for _, r := range resources {
		d.Put(r)
	}
	return d
}

func (d *Directory) Put(r domain.Resource) {
	d.mu.Lock()
	d.resources[r.ID] = r
	d.mu.Unlock()
}

func (d *Directory) GetResource(_ context.Context, id string) (domain.Resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.resources[id]
	if !ok {
		return domain.Resource{}, domain.ErrNotFound
	}
	return r, nil
}
