package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coinpulse/newswire/errors"
)

// Keeper renews a held lease in the background at half the TTL. When a
// renewal comes back ErrLeaseLost the keeper stops and closes Done, so
// the worker can treat lease loss as a cancellation edge.
type Keeper struct {
	coord    *Coordinator
	resource string
	holder   string
	ttl      time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	lost bool
}

// NewKeeper starts background renewal for an already-acquired lease.
func NewKeeper(ctx context.Context, coord *Coordinator, resource, holder string, ttl time.Duration, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default().With("component", "lease-keeper")
	}
	ctx, cancel := context.WithCancel(ctx)
	k := &Keeper{
		coord:    coord,
		resource: resource,
		holder:   holder,
		ttl:      ttl,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go k.run(ctx)
	return k
}

// Done is closed when the keeper stops renewing, either because the
// lease was lost or Stop was called. Check Lost to tell the two apart.
func (k *Keeper) Done() <-chan struct{} {
	return k.done
}

// Lost reports whether the lease was lost to another holder.
func (k *Keeper) Lost() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lost
}

// Stop ends renewal without releasing the lease. Call Release on the
// coordinator separately when the work is done.
func (k *Keeper) Stop() {
	k.cancel()
	<-k.done
}

func (k *Keeper) run(ctx context.Context) {
	defer k.once.Do(func() { close(k.done) })

	interval := k.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := k.coord.Renew(ctx, k.resource, k.holder, k.ttl)
			if err == nil {
				continue
			}
			if errors.Is(err, errors.ErrLeaseLost) {
				k.mu.Lock()
				k.lost = true
				k.mu.Unlock()
				k.logger.Warn("lease lost during renewal",
					"resource", k.resource, "holder", k.holder)
				return
			}
			// Transient store trouble: keep ticking, the record's
			// ExpiresAt decides whether the lease survives.
			k.logger.Warn("lease renewal failed",
				"resource", k.resource, "holder", k.holder, "error", err)
		}
	}
}
