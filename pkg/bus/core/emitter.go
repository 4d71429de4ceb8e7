package core

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crossbus-go/bus/pkg/bus/definition"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

const defaultMaxListeners = 32

// Subscription is the opaque handle returned to external callers; its
// sole capability is cancellation.
type Subscription struct {
	id   string
	name string
	stop func(id, name string)
}

// Cancel removes the listener from the emitter.
func (s *Subscription) Cancel() {
	if s.stop != nil {
		s.stop(s.id, s.name)
	}
}

// RegisterOptions configures a single On/Once registration.
type RegisterOptions struct {
	Priority int
	Mode     types.ExecutionMode
	Once     bool
	Token    *types.CancelToken
}

// Emitter is the local event dispatcher: wildcard matching, priority
// ordering, once-semantics and sync/async dispatch.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]*types.ListenerEntry
	fastCache map[string][]types.Handler
	maxListeners int
	log       definition.Logger
	source    types.Source
}

// NewEmitter builds an emitter reporting signals as emitted by selfID.
func NewEmitter(selfID string, log definition.Logger) *Emitter {
	return &Emitter{
		listeners:    make(map[string][]*types.ListenerEntry),
		fastCache:    make(map[string][]types.Handler),
		maxListeners: defaultMaxListeners,
		log:          log,
		source:       types.Source{PeerID: selfID},
	}
}

// On registers a handler for name (exact, "ns:*" namespace wildcard, or
// "*" global wildcard).
func (e *Emitter) On(name string, handler types.Handler, opts RegisterOptions) *Subscription {
	entry := &types.ListenerEntry{
		ID:       uuid.NewString(),
		Name:     name,
		Handler:  handler,
		Priority: opts.Priority,
		Mode:     opts.Mode,
		Once:     opts.Once,
		Token:    opts.Token,
	}

	e.mu.Lock()
	if entry.Token != nil && entry.Token.IsCancelled() {
		e.mu.Unlock()
		return &Subscription{id: entry.ID, name: name}
	}
	e.insert(name, entry)
	if entry.Token != nil {
		entry.Token.Bind(func() {
			e.remove(name, entry.ID)
		})
	}
	e.mu.Unlock()

	return &Subscription{id: entry.ID, name: name, stop: e.remove}
}

// Once registers a listener that is removed after its first invocation.
func (e *Emitter) Once(name string, handler types.Handler, opts RegisterOptions) *Subscription {
	opts.Once = true
	return e.On(name, handler, opts)
}

// insert places entry in descending-priority order: binary search when
// its priority exceeds the tail, append otherwise.
func (e *Emitter) insert(name string, entry *types.ListenerEntry) {
	list := e.listeners[name]
	if len(list) == 0 || entry.Priority <= list[len(list)-1].Priority {
		e.listeners[name] = append(list, entry)
	} else {
		idx := sort.Search(len(list), func(i int) bool {
			return list[i].Priority < entry.Priority
		})
		list = append(list, nil)
		copy(list[idx+1:], list[idx:])
		list[idx] = entry
		e.listeners[name] = list
	}
	if len(e.listeners[name]) > e.maxListeners {
		e.log.Warnf("listener count for %q exceeds max-listeners threshold (%d)", name, e.maxListeners)
	}
	e.rebuildFastCache(name)
}

func (e *Emitter) remove(id, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.listeners[name]
	for i, entry := range list {
		if entry.ID == id {
			e.listeners[name] = append(list[:i:i], list[i+1:]...)
			e.rebuildFastCache(name)
			return
		}
	}
}

func (e *Emitter) rebuildFastCache(name string) {
	list := e.listeners[name]
	handlers := make([]types.Handler, 0, len(list))
	for _, entry := range list {
		handlers = append(handlers, entry.Handler)
	}
	e.fastCache[name] = handlers
}

// namespace returns the "ns:*" wildcard key for name's "ns:" prefix and
// true, or "" and false if name has no ":".
func namespace(name string) (string, bool) {
	idx := strings.Index(name, ":")
	if idx < 0 {
		return "", false
	}
	return name[:idx] + ":*", true
}

// matching collects the (exact, global, namespace) listener lists for
// name and merges them by descending priority if more than one
// contributes.
func (e *Emitter) matching(name string) []*types.ListenerEntry {
	var lists [][]*types.ListenerEntry
	if l, ok := e.listeners[name]; ok && len(l) > 0 {
		lists = append(lists, l)
	}
	if l, ok := e.listeners["*"]; ok && len(l) > 0 {
		lists = append(lists, l)
	}
	if ns, ok := namespace(name); ok {
		if l, ok := e.listeners[ns]; ok && len(l) > 0 {
			lists = append(lists, l)
		}
	}
	if len(lists) == 0 {
		return nil
	}
	if len(lists) == 1 {
		return lists[0]
	}
	return mergeByPriority(lists)
}

func mergeByPriority(lists [][]*types.ListenerEntry) []*types.ListenerEntry {
	var all []*types.ListenerEntry
	for _, l := range lists {
		all = append(all, l...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Priority > all[j].Priority
	})
	return all
}

// EmitSync is the synchronous dispatch path: no envelope wrapping, no
// async scheduling. Returns the count of listeners invoked.
func (e *Emitter) EmitSync(name string, evt types.SignalEvent) int {
	e.mu.Lock()
	var handlers []types.Handler
	if cached, ok := e.fastCache[name]; ok && e.onlyExactContributes(name) {
		handlers = cached
	} else {
		matched := e.matching(name)
		handlers = make([]types.Handler, len(matched))
		for i, m := range matched {
			handlers[i] = m.Handler
		}
	}
	e.mu.Unlock()

	n := len(handlers)
	switch {
	case n == 0:
		return 0
	case n <= 4:
		// Unrolled fast path for the common small-fanout case.
		for _, h := range handlers {
			e.invoke(h, evt)
		}
	default:
		for _, h := range handlers {
			e.invoke(h, evt)
		}
	}
	e.consumeOnce(name)
	return n
}

// onlyExactContributes reports whether name's dispatch set is satisfied
// by the exact-name fast cache alone, i.e. no namespace or global
// wildcard listeners are registered.
func (e *Emitter) onlyExactContributes(name string) bool {
	if ns, ok := namespace(name); ok {
		if len(e.listeners[ns]) > 0 {
			return false
		}
	}
	return len(e.listeners["*"]) == 0
}

func (e *Emitter) invoke(h types.Handler, evt types.SignalEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("listener panicked for %q: %v", evt.Name, r)
		}
	}()
	if err := h(evt); err != nil {
		e.log.Errorf("listener error for %q: %v", evt.Name, err)
	}
}

// Emit is the asynchronous dispatch path: wraps data in a SignalEvent,
// awaits sync-mode listeners in order, schedules async-mode listeners on
// a goroutine without waiting for them, and removes once-listeners after
// their first invocation.
func (e *Emitter) Emit(name string, data any) types.SignalEvent {
	evt := types.SignalEvent{
		Name:      name,
		Data:      data,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Source:    e.source,
	}

	e.mu.Lock()
	matched := append([]*types.ListenerEntry(nil), e.matching(name)...)
	e.mu.Unlock()

	for _, entry := range matched {
		entry := entry
		if entry.Mode == types.ModeAsync {
			go e.invoke(entry.Handler, evt)
		} else {
			e.invoke(entry.Handler, evt)
		}
		if entry.Once {
			e.remove(entry.ID, entry.Name)
		}
	}
	return evt
}

// consumeOnce drops once-listeners from every list that dispatch for
// name draws on: the exact name, "*", and the namespace wildcard.
func (e *Emitter) consumeOnce(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := []string{name, "*"}
	if ns, ok := namespace(name); ok {
		keys = append(keys, ns)
	}
	for _, key := range keys {
		list := e.listeners[key]
		kept := list[:0:0]
		changed := false
		for _, entry := range list {
			if entry.Once {
				changed = true
				continue
			}
			kept = append(kept, entry)
		}
		if changed {
			e.listeners[key] = kept
			e.rebuildFastCache(key)
		}
	}
}

// ListenerCount returns how many listeners are registered for name
// (exact match only, no wildcard expansion) — useful for diagnostics.
func (e *Emitter) ListenerCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[name])
}

// Clear removes every listener, used by the facade's destroy path.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]*types.ListenerEntry)
	e.fastCache = make(map[string][]types.Handler)
}
