package simbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drvkit/drvkit-go/pkg/module"
)

// Injected backend failures.
var (
	ErrLinkFault = errors.New("simulated link failure")
	ErrInitFault = errors.New("simulated init failure")
)

// Backend links modules in memory. It implements module.Backend.
type Backend struct {
	mu        sync.Mutex
	resident  map[string]bool
	failLink  map[string]int
	failInit  map[string]int
	linkDelay time.Duration
	links     int
	unlinks   int
}

// NewBackend returns an empty backend.
func NewBackend() *Backend {
	return &Backend{
		resident: make(map[string]bool),
		failLink: make(map[string]int),
		failInit: make(map[string]int),
	}
}

// Link exports every declared symbol of desc. Symbol values are the
// qualified names.
func (b *Backend) Link(ctx context.Context, desc module.Descriptor) (module.Exports, error) {
	b.mu.Lock()
	delay := b.linkDelay
	b.links++
	fail := b.failLink[desc.ID] > 0
	if fail {
		b.failLink[desc.ID]--
	}
	b.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("%s: %w", desc.ID, ErrLinkFault)
	}

	exports := make(module.Exports, len(desc.Symbols))
	for _, s := range desc.Symbols {
		exports[s] = module.QualifiedName(desc.ID, s)
	}
	b.mu.Lock()
	b.resident[desc.ID] = true
	b.mu.Unlock()
	return exports, nil
}

func (b *Backend) Init(_ context.Context, desc module.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failInit[desc.ID] > 0 {
		b.failInit[desc.ID]--
		return fmt.Errorf("%s: %w", desc.ID, ErrInitFault)
	}
	return nil
}

func (b *Backend) Unlink(_ context.Context, desc module.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unlinks++
	delete(b.resident, desc.ID)
	return nil
}

// FailLink makes the next n links of id fail.
func (b *Backend) FailLink(id string, n int) {
	b.mu.Lock()
	b.failLink[id] += n
	b.mu.Unlock()
}

// FailInit makes the next n inits of id fail.
func (b *Backend) FailInit(id string, n int) {
	b.mu.Lock()
	b.failInit[id] += n
	b.mu.Unlock()
}

// SetLinkDelay delays every link by d.
func (b *Backend) SetLinkDelay(d time.Duration) {
	b.mu.Lock()
	b.linkDelay = d
	b.mu.Unlock()
}

// Resident returns the linked modules, sorted.
func (b *Backend) Resident() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.resident))
	for id := range b.resident {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Counts returns the number of Link and Unlink calls.
func (b *Backend) Counts() (links, unlinks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.links, b.unlinks
}
