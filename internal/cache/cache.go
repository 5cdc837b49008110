package cache

import (
	"context"

	"github.com/domainvault/vault/internal/domain"
)

// DomainCache is an explicit, TTL-bounded cache of domain snapshots. It is
// populated lazily on read and invalidated on every write; callers must
// treat a miss as "ask the repository", never as "absent".
type DomainCache interface {
	Get(ctx context.Context, name string) (*domain.Snapshot, bool)
	Set(ctx context.Context, snapshot domain.Snapshot)
	Invalidate(ctx context.Context, name string)
	Close()
}

// Noop satisfies DomainCache when no cache backend is configured.
type Noop struct{}

func (Noop) Get(context.Context, string) (*domain.Snapshot, bool) { return nil, false }
func (Noop) Set(context.Context, domain.Snapshot)                 {}
func (Noop) Invalidate(context.Context, string)                   {}
func (Noop) Close()                                               {}
