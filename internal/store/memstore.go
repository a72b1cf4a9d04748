package store

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siphonhq/siphon/internal/queue"
)

// MemStore is the in-memory Flow Store implementation. It bounds total
// retained flows and per-flow event counts, evicting the oldest flow (or
// lowest-priority event) once a limit is reached, and fans out every
// mutation to subscribers over bounded channels.
type MemStore struct {
	mu sync.RWMutex

	maxFlows         int
	maxEventsPerFlow int

	flows    map[string]*Flow
	order    *list.List // ordered oldest-to-newest by flow ID, for eviction
	elems    map[string]*list.Element
	events   map[string][]*Event
	eventPQ  map[string]*queue.Queue
	raw      map[string]*RawHTTP

	subs      map[uint64]*Subscriber
	nextSubID uint64

	droppedEvents int64
	startedAt     time.Time
}

// NewMemStore creates an in-memory store bounded to maxFlows flows and
// maxEventsPerFlow events retained per flow.
func NewMemStore(maxFlows, maxEventsPerFlow int) *MemStore {
	if maxFlows <= 0 {
		maxFlows = 1000
	}
	if maxEventsPerFlow <= 0 {
		maxEventsPerFlow = 500
	}
	return &MemStore{
		maxFlows:         maxFlows,
		maxEventsPerFlow: maxEventsPerFlow,
		flows:            make(map[string]*Flow),
		order:            list.New(),
		elems:            make(map[string]*list.Element),
		events:           make(map[string][]*Event),
		eventPQ:          make(map[string]*queue.Queue),
		raw:              make(map[string]*RawHTTP),
		subs:             make(map[uint64]*Subscriber),
		startedAt:        time.Now(),
	}
}

func (s *MemStore) CreateFlow(ctx context.Context, flow *Flow) error {
	if flow.ID == "" {
		return fmt.Errorf("store: flow ID is required")
	}
	s.mu.Lock()
	if _, exists := s.flows[flow.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("store: flow %s already exists", flow.ID)
	}
	s.flows[flow.ID] = flow
	s.elems[flow.ID] = s.order.PushBack(flow.ID)
	s.eventPQ[flow.ID] = queue.NewQueue(s.maxEventsPerFlow)
	evicted := s.evictOldestLocked()
	s.mu.Unlock()

	for _, id := range evicted {
		s.broadcast(&Change{Kind: ChangeClear, FlowID: id})
	}
	s.broadcast(&Change{Kind: ChangeFlowCreated, Flow: flow})
	return nil
}

// evictOldestLocked drops the oldest retained flows until the store is back
// within maxFlows. Caller must hold s.mu.
func (s *MemStore) evictOldestLocked() []string {
	var evicted []string
	for len(s.flows) > s.maxFlows {
		front := s.order.Front()
		if front == nil {
			break
		}
		id := front.Value.(string)
		s.order.Remove(front)
		delete(s.elems, id)
		delete(s.flows, id)
		delete(s.events, id)
		if q, ok := s.eventPQ[id]; ok {
			q.Close()
			delete(s.eventPQ, id)
		}
		delete(s.raw, id)
		evicted = append(evicted, id)
	}
	return evicted
}

func (s *MemStore) UpdateFlow(ctx context.Context, flow *Flow) error {
	s.mu.Lock()
	if _, exists := s.flows[flow.ID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("store: flow %s not found", flow.ID)
	}
	s.flows[flow.ID] = flow
	s.mu.Unlock()

	s.broadcast(&Change{Kind: ChangeFlowUpdated, Flow: flow})
	return nil
}

func (s *MemStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("store: flow %s not found", id)
	}
	return f, nil
}

func (s *MemStore) ListFlows(ctx context.Context) ([]*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Flow, 0, len(s.flows))
	for e := s.order.Front(); e != nil; e = e.Next() {
		id := e.Value.(string)
		if f, ok := s.flows[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// eventPriority classifies an event for backpressure purposes: events
// carrying an id/retry field or closing out a stream matter most, named
// events matter somewhat, and bare data deltas are dropped first.
func eventPriority(ev *Event) string {
	if ev.ID != "" || ev.Retry != nil {
		return queue.PriorityHigh
	}
	if ev.Event != "" {
		return queue.PriorityMedium
	}
	return queue.PriorityLow
}

func (s *MemStore) AppendEvent(ctx context.Context, flowID string, event *Event) error {
	s.mu.Lock()
	if _, exists := s.flows[flowID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("store: flow %s not found", flowID)
	}
	q := s.eventPQ[flowID]

	item := &queue.QueueItem{
		Data:      event,
		Priority:  eventPriority(event),
		FlowID:    flowID,
		EventType: event.Event,
		Timestamp: event.Timestamp,
	}
	dropped := false
	if q != nil {
		dropped = q.Push(item)
	}
	if dropped {
		atomic.AddInt64(&s.droppedEvents, 1)
		s.mu.Unlock()
		return nil
	}
	s.events[flowID] = append(s.events[flowID], event)
	s.mu.Unlock()

	s.broadcast(&Change{Kind: ChangeEvent, FlowID: flowID, Event: event})
	return nil
}

func (s *MemStore) GetEvents(ctx context.Context, flowID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[flowID]
	out := make([]*Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *MemStore) SetRawRequest(ctx context.Context, flowID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[flowID]; !exists {
		return fmt.Errorf("store: flow %s not found", flowID)
	}
	r, ok := s.raw[flowID]
	if !ok {
		r = &RawHTTP{}
		s.raw[flowID] = r
	}
	r.Request = data
	return nil
}

func (s *MemStore) SetRawResponse(ctx context.Context, flowID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[flowID]; !exists {
		return fmt.Errorf("store: flow %s not found", flowID)
	}
	r, ok := s.raw[flowID]
	if !ok {
		r = &RawHTTP{}
		s.raw[flowID] = r
	}
	r.Response = data
	return nil
}

// DropRaw discards raw wire bytes for a flow, called once a flow is
// recognized as a streaming response (raw capture is not useful for those)
// or when memory pressure requires shedding the heaviest data first.
func (s *MemStore) DropRaw(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.raw, flowID)
	if f, ok := s.flows[flowID]; ok {
		f.HasRawHTTP = false
	}
	return nil
}

func (s *MemStore) GetRaw(ctx context.Context, flowID string) (*RawHTTP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.raw[flowID]
	if !ok {
		return nil, fmt.Errorf("store: no raw data for flow %s", flowID)
	}
	return r, nil
}

func (s *MemStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flows := make([]*Flow, 0, len(s.flows))
	for e := s.order.Front(); e != nil; e = e.Next() {
		id := e.Value.(string)
		if f, ok := s.flows[id]; ok {
			flows = append(flows, f)
		}
	}
	events := make(map[string][]*Event, len(s.events))
	for id, evs := range s.events {
		cp := make([]*Event, len(evs))
		copy(cp, evs)
		events[id] = cp
	}
	return &Snapshot{Flows: flows, Events: events}, nil
}

const subscriberBuffer = 256

func (s *MemStore) Subscribe() *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	sub := &Subscriber{
		ID:     s.nextSubID,
		ch:     make(chan *Change, subscriberBuffer),
		closed: make(chan struct{}),
	}
	s.subs[sub.ID] = sub
	return sub
}

func (s *MemStore) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeSubLocked(sub.ID)
}

func (s *MemStore) removeSubLocked(id uint64) {
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(sub.closed)
}

// broadcast fans a change out to every subscriber. A subscriber whose buffer
// is full is disconnected rather than allowed to stall the producer.
func (s *MemStore) broadcast(c *Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		select {
		case sub.ch <- c:
		default:
			s.removeSubLocked(id)
		}
	}
}

func (s *MemStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	for _, q := range s.eventPQ {
		q.Close()
	}
	s.flows = make(map[string]*Flow)
	s.order = list.New()
	s.elems = make(map[string]*list.Element)
	s.events = make(map[string][]*Event)
	s.eventPQ = make(map[string]*queue.Queue)
	s.raw = make(map[string]*RawHTTP)
	s.mu.Unlock()

	s.broadcast(&Change{Kind: ChangeClear})
	return nil
}

func (s *MemStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eventCount := 0
	for _, evs := range s.events {
		eventCount += len(evs)
	}
	return Stats{
		FlowCount:        len(s.flows),
		EventCount:       eventCount,
		ConnectedClients: len(s.subs),
		DroppedEvents:    atomic.LoadInt64(&s.droppedEvents),
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
	}
}
