package registry

import (
	"context"

	"github.com/matst80/linkmux/internal/obs"
	"github.com/matst80/linkmux/internal/session"
)

// Registry mirrors live session metadata to an external store for fleet
// observability. It is strictly advisory: nothing on the wire or in the
// session table depends on it, and every method tolerates backend failure.
type Registry interface {
	SessionOpened(side string, s *session.Session)
	SessionClosed(s *session.Session)
	StartMaintenance(ctx context.Context)
	Close() error
}

// New selects the backend. An empty addr yields the no-op registry.
func New(addr, password string, db int) (Registry, error) {
	if addr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "none"})
		return noopRegistry{}, nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": addr})
	return newRedisRegistry(addr, password, db)
}

type noopRegistry struct{}

func (noopRegistry) SessionOpened(string, *session.Session) {}
func (noopRegistry) SessionClosed(*session.Session)         {}
func (noopRegistry) StartMaintenance(context.Context)       {}
func (noopRegistry) Close() error                           { return nil }
