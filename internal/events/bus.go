package events

import (
	"slices"
	"sync"
)

// Type indicates what kind of notification an Event carries.
type Type int

const (
	RegionChanged Type = iota + 1
	ZoneChanged
	ContentListBroadcast
	LoadingStateChanged
	LoadComplete
	ScenarioListChanged
	EndScenarioPrompt
	OverridesChanged
)

func (t Type) String() string {
	switch t {
	case RegionChanged:
		return "region-changed"
	case ZoneChanged:
		return "zone-changed"
	case ContentListBroadcast:
		return "content-list-broadcast"
	case LoadingStateChanged:
		return "loading-state-changed"
	case LoadComplete:
		return "load-complete"
	case ScenarioListChanged:
		return "scenario-list-changed"
	case EndScenarioPrompt:
		return "end-scenario-prompt"
	case OverridesChanged:
		return "overrides-changed"
	default:
		return "unknown"
	}
}

// Event is a fire-and-forget notification. Only the fields relevant to Type
// are populated.
type Event struct {
	Type Type

	RegionID   string
	ZoneID     string
	ScenarioID string

	// ContentList for ContentListBroadcast, active scenario ids for
	// ScenarioListChanged.
	List []string

	// Loading for LoadingStateChanged, success for LoadComplete.
	Flag bool
}

// Publisher is the outbound side of the bus used by streaming components.
type Publisher interface {
	Publish(Event)
}

type subscription struct {
	id    uint64
	types map[Type]bool
	fn    func(Event)
}

// Bus delivers events synchronously to subscribers in subscription order.
// Handlers run outside the bus lock and may publish or unsubscribe.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers fn for the listed event types, or for every type when
// none are given. It returns an unsubscribe function that is safe to call
// more than once.
func (b *Bus) Subscribe(fn func(Event), types ...Type) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: filter, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		s.fn(ev)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recorder captures every published event. Tests and tooling use it as a
// read-only timeline.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record appends ev. Its signature matches Subscribe.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Publish lets a Recorder stand in for a Bus.
func (r *Recorder) Publish(ev Event) { r.Record(ev) }

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
