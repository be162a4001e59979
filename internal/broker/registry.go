package broker

import (
	"sync"

	"github.com/standardbeagle/gbe/internal/wire"
)

// ToolRecord is the broker-side state for one connected tool.
// ID, Address, and Capabilities are immutable after Connect.
type ToolRecord struct {
	ID           wire.ToolID
	Address      string
	Capabilities []string

	// sess is the control link exclusively owned by this tool's session.
	sess *session
}

// HasCapability reports whether the tool advertised the given token.
func (t *ToolRecord) HasCapability(token string) bool {
	for _, c := range t.Capabilities {
		if c == token {
			return true
		}
	}
	return false
}

// registry holds the broker's mutable state: tool records, the subscription
// topology, and proxy records. One mutex guards it all; callers compute the
// action under the lock and perform I/O after releasing it. Tool records do
// not reference each other; the topology lives in the two keyed maps.
type registry struct {
	mu sync.Mutex

	tools           map[wire.ToolID]*ToolRecord
	subscribersOf   map[wire.ToolID]map[wire.ToolID]struct{}
	subscriptionsOf map[wire.ToolID]map[wire.ToolID]struct{}
	proxies         map[wire.ToolID]*proxyRecord
}

func newRegistry() *registry {
	return &registry{
		tools:           make(map[wire.ToolID]*ToolRecord),
		subscribersOf:   make(map[wire.ToolID]map[wire.ToolID]struct{}),
		subscriptionsOf: make(map[wire.ToolID]map[wire.ToolID]struct{}),
		proxies:         make(map[wire.ToolID]*proxyRecord),
	}
}

func (r *registry) addTool(rec *ToolRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[rec.ID] = rec
}

func (r *registry) tool(id wire.ToolID) (*ToolRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tools[id]
	return rec, ok
}

func (r *registry) toolCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

func (r *registry) listTools() []wire.ToolInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]wire.ToolInfo, 0, len(r.tools))
	for _, rec := range r.tools {
		infos = append(infos, wire.ToolInfo{ToolID: rec.ID, Capabilities: rec.Capabilities})
	}
	return infos
}

// subscribed reports whether sub already subscribes to target.
func (r *registry) subscribed(sub, target wire.ToolID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subscriptionsOf[sub][target]
	return ok
}

// addSubscription records sub → target in both directions.
func (r *registry) addSubscription(sub, target wire.ToolID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subscribersOf[target] == nil {
		r.subscribersOf[target] = make(map[wire.ToolID]struct{})
	}
	r.subscribersOf[target][sub] = struct{}{}

	if r.subscriptionsOf[sub] == nil {
		r.subscriptionsOf[sub] = make(map[wire.ToolID]struct{})
	}
	r.subscriptionsOf[sub][target] = struct{}{}
}

// dropSubscription removes sub → target and reports whether it existed.
func (r *registry) dropSubscription(sub, target wire.ToolID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscriptionsOf[sub][target]; !ok {
		return false
	}
	delete(r.subscriptionsOf[sub], target)
	if len(r.subscriptionsOf[sub]) == 0 {
		delete(r.subscriptionsOf, sub)
	}
	delete(r.subscribersOf[target], sub)
	if len(r.subscribersOf[target]) == 0 {
		delete(r.subscribersOf, target)
	}
	return true
}

// removeTool deletes the tool record and every edge touching it. It returns
// the record, the tool's own proxy (if any), and the targets the tool was
// subscribed to; the caller releases those subscriptions.
func (r *registry) removeTool(id wire.ToolID) (rec *ToolRecord, own *proxyRecord, targets []wire.ToolID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec = r.tools[id]
	delete(r.tools, id)

	for target := range r.subscriptionsOf[id] {
		targets = append(targets, target)
		delete(r.subscribersOf[target], id)
		if len(r.subscribersOf[target]) == 0 {
			delete(r.subscribersOf, target)
		}
	}
	delete(r.subscriptionsOf, id)

	for sub := range r.subscribersOf[id] {
		delete(r.subscriptionsOf[sub], id)
		if len(r.subscriptionsOf[sub]) == 0 {
			delete(r.subscriptionsOf, sub)
		}
	}
	delete(r.subscribersOf, id)

	own = r.proxies[id]
	delete(r.proxies, id)
	return rec, own, targets
}

// proxyFor returns the live or starting proxy record for upstream.
func (r *registry) proxyFor(upstream wire.ToolID) (*proxyRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[upstream]
	return p, ok
}

// ensureProxy returns the existing proxy record for upstream, or installs
// and returns the given pending record. The second result is true when rec
// was installed (the caller must then spawn the process and settle rec).
func (r *registry) ensureProxy(upstream wire.ToolID, rec *proxyRecord) (*proxyRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.proxies[upstream]; ok {
		return p, false
	}
	r.proxies[upstream] = rec
	return rec, true
}

// dropProxy removes the proxy record for upstream if it is the given one.
func (r *registry) dropProxy(upstream wire.ToolID, rec *proxyRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proxies[upstream] == rec {
		delete(r.proxies, upstream)
	}
}

// allProxies snapshots the current proxy records.
func (r *registry) allProxies() []*proxyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*proxyRecord, 0, len(r.proxies))
	for _, p := range r.proxies {
		out = append(out, p)
	}
	return out
}

// allSessions snapshots the control sessions of connected tools.
func (r *registry) allSessions() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session, 0, len(r.tools))
	for _, rec := range r.tools {
		if rec.sess != nil {
			out = append(out, rec.sess)
		}
	}
	return out
}
