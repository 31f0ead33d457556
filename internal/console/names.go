package console

import (
	"context"
	"sync"
	"time"

	"AgentDesk/internal/domain"
	"github.com/rs/zerolog"
)

type agentLookup interface {
	LiveStatus(ctx context.Context, extension string) ([]domain.LiveAgent, error)
}

// nameCache resolves agent names for extensions seen on the telemetry feed.
// Each extension is looked up at most once at a time.
type nameCache struct {
	lookup  agentLookup
	timeout time.Duration
	logger  zerolog.Logger

	mutex   sync.Mutex
	names   map[string]string
	pending map[string]struct{}
}

func newNameCache(lookup agentLookup, timeout time.Duration, logger zerolog.Logger) *nameCache {
	return &nameCache{
		lookup:  lookup,
		timeout: timeout,
		logger:  logger,
		names:   make(map[string]string),
		pending: make(map[string]struct{}),
	}
}

// Resolve starts a background lookup unless the name is known or in flight.
func (n *nameCache) Resolve(extension string) {
	n.mutex.Lock()
	if _, known := n.names[extension]; known {
		n.mutex.Unlock()
		return
	}
	if _, busy := n.pending[extension]; busy {
		n.mutex.Unlock()
		return
	}
	n.pending[extension] = struct{}{}
	n.mutex.Unlock()

	go n.fetch(extension)
}

func (n *nameCache) fetch(extension string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	agents, err := n.lookup.LiveStatus(ctx, extension)

	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.pending, extension)

	if err != nil {
		n.logger.Debug().Err(err).Str("extension", extension).Msg("Agent name lookup failed")
		return
	}
	for _, agent := range agents {
		if agent.Extension == extension && agent.Name != "" {
			n.names[extension] = agent.Name
			return
		}
	}
	// remember misses so the feed does not trigger a lookup every message
	n.names[extension] = ""
}

func (n *nameCache) Name(extension string) string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.names[extension]
}

// Names returns a copy of the resolved names.
func (n *nameCache) Names() map[string]string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	out := make(map[string]string, len(n.names))
	for k, v := range n.names {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
