package dnsfwd

import (
	"sync"

	"github.com/pkg/errors"
)

// Supervisor holds the shared Cache and current RuleList and spawns one
// Agent per listen endpoint named in AppConfig.ListenOn. It treats
// AppConfig as immutable after startup; only the RuleList is hot-swappable.
type Supervisor struct {
	config AppConfig
	cache  *Cache

	mu     sync.Mutex
	agents []*Agent
}

// NewSupervisor constructs a Supervisor and one Agent per entry in
// config.ListenOn, all sharing cache and the initial rules.
func NewSupervisor(config AppConfig, cache *Cache, rules *RuleList) (*Supervisor, error) {
	whitelist, err := ParseNetworks(config.NetworkWhitelist)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{config: config, cache: cache}

	addrs := config.ListenAddrs()
	agents := make([]*Agent, 0, len(addrs))
	for _, addr := range addrs {
		agent, err := NewAgent(addr, addr, config, whitelist, cache, rules)
		if err != nil {
			for _, a := range agents {
				a.Stop()
			}
			return nil, errors.Wrapf(err, "failed to start agent for %q", addr)
		}
		agents = append(agents, agent)
	}
	s.agents = agents
	return s, nil
}

// Start runs every agent's listen loop concurrently. It returns once every
// agent's Start has returned (normally only after Stop is called).
func (s *Supervisor) Start() {
	var wg sync.WaitGroup
	s.mu.Lock()
	agents := append([]*Agent(nil), s.agents...)
	s.mu.Unlock()

	for _, a := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			if err := a.Start(); err != nil {
				Log.Error("agent stopped", "id", a.String(), "error", err)
			}
		}(a)
	}
	wg.Wait()
}

// Stop closes every agent's listener and forwarder sockets and returns
// without waiting: the listen loops observe the closure on their own, and
// Start returns once they all have. In-flight per-query goroutines are not
// waited for.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	agents := append([]*Agent(nil), s.agents...)
	s.mu.Unlock()

	for _, a := range agents {
		if err := a.Stop(); err != nil {
			Log.Warn("error stopping agent", "id", a.String(), "error", err)
		}
	}
}

// Reload applies rules to every agent atomically and flushes the cache.
// Per the preserved source behavior (see the design's open questions), an
// empty RuleList — which is what LoadRuleList returns for a missing or
// unparseable rules.json — is not applied: the previous rules remain in
// place on every agent, but the cache is still cleared either way.
func (s *Supervisor) Reload(rules *RuleList) {
	s.mu.Lock()
	agents := append([]*Agent(nil), s.agents...)
	s.mu.Unlock()

	if rules.Len() > 0 {
		for _, a := range agents {
			a.SetRules(rules)
		}
		Log.Info("reloaded rules", "count", rules.Len())
	} else {
		Log.Warn("reload produced an empty rule list, keeping previous rules")
	}
	s.cache.Flush()
}

// Cache returns the shared response cache.
func (s *Supervisor) Cache() *Cache { return s.cache }
