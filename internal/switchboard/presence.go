package switchboard

import (
	"sync"
	"time"

	"github.com/cklxx/orchestrate/internal/filestore"
)

// staleAgentTTL is how long an agent may go unseen before register() prunes
// its presence entry. Connected agents refresh LastSeen with every frame,
// so only long-gone agents age out.
const staleAgentTTL = 24 * time.Hour

// presenceTable is a mutex-protected registry of agent presence. A single
// sync.Mutex rather than a sync.Map, since every access also needs to
// read-modify-write a struct field.
type presenceTable struct {
	mu     sync.Mutex
	agents map[string]*Presence
}

func newPresenceTable() *presenceTable {
	return &presenceTable{agents: make(map[string]*Presence)}
}

// register upserts an agent's presence, setting RegisteredAt only the first
// time it is seen. A non-empty cwd replaces whatever was recorded before.
func (t *presenceTable) register(name, cwd string, now time.Time) Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	filestore.EvictByTTL(t.agents, now, staleAgentTTL, func(p *Presence) time.Time { return p.LastSeen })
	p, ok := t.agents[name]
	if !ok {
		p = &Presence{Name: name, RegisteredAt: now}
		t.agents[name] = p
	}
	if cwd != "" {
		p.Cwd = cwd
	}
	p.LastSeen = now
	return *p
}

// setConnected flips the live-WebSocket flag, registering the agent first
// if it has never called register.
func (t *presenceTable) setConnected(name string, connected bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.agents[name]
	if !ok {
		p = &Presence{Name: name, RegisteredAt: now}
		t.agents[name] = p
	}
	p.Connected = connected
	p.LastSeen = now
}

func (t *presenceTable) touch(name string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.agents[name]; ok {
		p.LastSeen = now
	}
}

func (t *presenceTable) snapshot() []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Presence, 0, len(t.agents))
	for _, p := range t.agents {
		out = append(out, *p)
	}
	return out
}

func (t *presenceTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.agents)
}
