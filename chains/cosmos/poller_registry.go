package cosmos

import (
	"sync"

	"github.com/cybercongress/ibc-history/config"
	"github.com/cybercongress/ibc-history/network"
)

// PollerRegistry hands out one StatusPoller per chain. Pollers are created on first use and live
// as long as the registry.
type PollerRegistry struct {
	cfg     *config.Config
	http    network.Http
	opts    []PollerOption
	lock    *sync.Mutex
	pollers map[string]*StatusPoller
}

func NewPollerRegistry(cfg *config.Config, http network.Http, opts ...PollerOption) *PollerRegistry {
	return &PollerRegistry{
		cfg:     cfg,
		http:    http,
		opts:    opts,
		lock:    &sync.Mutex{},
		pollers: make(map[string]*StatusPoller),
	}
}

// Get returns the poller of a chain, creating it if needed. It returns false when the chain has no
// rpc configured.
func (r *PollerRegistry) Get(chainId string) (*StatusPoller, bool) {
	rpcUrl, ok := r.cfg.FindRpc(chainId)
	if !ok {
		return nil, false
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	poller, ok := r.pollers[chainId]
	if !ok {
		opts := append([]PollerOption{
			WithIntervals(config.Millis(r.cfg.Tracer.PollBaseInterval), config.Millis(r.cfg.Tracer.PollMaxInterval)),
		}, r.opts...)
		poller = NewStatusPoller(chainId, rpcUrl, r.http, opts...)
		r.pollers[chainId] = poller
	}

	return poller, true
}
