package engine

import (
	"sync"

	"github.com/nodefleet/minibus/pkg/bus/types"
)

// retainStore holds the most recent envelope published per topic, so a
// late subscriber can receive the current value immediately on
// subscribe instead of waiting for the next publish.
type retainStore struct {
	enabled bool

	mu     sync.RWMutex
	latest map[string]types.MessageEnvelope
}

func newRetainStore(enabled bool) *retainStore {
	return &retainStore{
		enabled: enabled,
		latest:  make(map[string]types.MessageEnvelope),
	}
}

func (r *retainStore) store(env types.MessageEnvelope) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	r.latest[env.Topic] = env
	r.mu.Unlock()
}

func (r *retainStore) get(topic string) (types.MessageEnvelope, bool) {
	if !r.enabled {
		return types.MessageEnvelope{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.latest[topic]
	return env, ok
}
