package resilience

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/davidbz/promptgate/internal/domain"
)

type compartment struct {
	slots    *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
}

// SemaphoreBulkhead caps concurrent in-flight calls per provider.
type SemaphoreBulkhead struct {
	// nil entries mean the provider is uncapped; in-flight calls are still counted.
	compartments map[string]*compartment
}

// NewSemaphoreBulkhead creates one compartment per descriptor.
func NewSemaphoreBulkhead(descriptors []domain.ProviderDescriptor) *SemaphoreBulkhead {
	compartments := make(map[string]*compartment, len(descriptors))
	for _, d := range descriptors {
		c := &compartment{capacity: d.MaxConcurrent}
		if d.MaxConcurrent > 0 {
			c.slots = semaphore.NewWeighted(int64(d.MaxConcurrent))
		}
		compartments[d.ID] = c
	}

	return &SemaphoreBulkhead{compartments: compartments}
}

// Acquire takes a slot without waiting. The returned release is safe to call more than once.
func (b *SemaphoreBulkhead) Acquire(providerID string) (func(), error) {
	c, ok := b.compartments[providerID]
	if !ok {
		return func() {}, nil
	}

	if c.slots != nil && !c.slots.TryAcquire(1) {
		return nil, &domain.DispatchError{
			Kind:     domain.KindBulkheadFull,
			Provider: providerID,
			Message:  fmt.Sprintf("%d concurrent calls already in flight", c.capacity),
		}
	}
	c.inFlight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.inFlight.Add(-1)
			if c.slots != nil {
				c.slots.Release(1)
			}
		})
	}, nil
}

// InFlight returns the number of occupied slots.
func (b *SemaphoreBulkhead) InFlight(providerID string) int {
	c, ok := b.compartments[providerID]
	if !ok {
		return 0
	}
	return int(c.inFlight.Load())
}

// Capacity returns the configured maximum, 0 when uncapped.
func (b *SemaphoreBulkhead) Capacity(providerID string) int {
	c, ok := b.compartments[providerID]
	if !ok {
		return 0
	}
	return c.capacity
}
