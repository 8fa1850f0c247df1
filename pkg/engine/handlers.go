package engine

import "sync"

// Notifier collects handler notifications during a batch and yields the
// handlers to flush at the batch barrier. Notifications are deduplicated
// per handler name per host; handlers run in declared order regardless of
// notification order. Safe for concurrent use by the batch's workers.
type Notifier struct {
	mu       sync.Mutex
	declared []Handler
	byName   map[string]*Handler
	notified map[string]map[string]struct{}
}

// NewNotifier creates a notifier over the play's declared handlers.
func NewNotifier(handlers []Handler) *Notifier {
	n := &Notifier{
		declared: handlers,
		byName:   make(map[string]*Handler, len(handlers)),
		notified: make(map[string]map[string]struct{}),
	}
	for i := range handlers {
		n.byName[handlers[i].Name] = &handlers[i]
	}
	return n
}

// Has reports whether a handler is declared under name.
func (n *Notifier) Has(name string) bool {
	_, ok := n.byName[name]
	return ok
}

// Notify records that host wants the named handler to run at the batch end.
// Repeated notifications collapse into one run.
func (n *Notifier) Notify(name, host string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.byName[name]; !ok {
		return false
	}
	hosts, ok := n.notified[name]
	if !ok {
		hosts = make(map[string]struct{})
		n.notified[name] = hosts
	}
	hosts[host] = struct{}{}
	return true
}

// Pending returns the notified handlers in declared order, each with the
// hosts that notified it. The notification set resets for the next batch.
func (n *Notifier) Pending() []PendingHandler {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []PendingHandler
	for i := range n.declared {
		h := &n.declared[i]
		hosts, ok := n.notified[h.Name]
		if !ok || len(hosts) == 0 {
			continue
		}
		names := make([]string, 0, len(hosts))
		for host := range hosts {
			names = append(names, host)
		}
		out = append(out, PendingHandler{Handler: h, Hosts: names})
	}
	n.notified = make(map[string]map[string]struct{})
	return out
}

// PendingHandler pairs a handler with the hosts that notified it during the
// batch.
type PendingHandler struct {
	// Handler is the declared handler.
	Handler *Handler

	// Hosts are the hosts to run it on.
	Hosts []string
}
