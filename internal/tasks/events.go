package tasks

import (
	"log/slog"
	"sync"
)

// EventKind distinguishes why a tasks-channel message was published.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// TaskEvent is one message on the tasks channel: the full post-transition
// record plus the kind of transition that produced it.
type TaskEvent struct {
	Kind   EventKind
	Record *Record
}

// DeviceEvent is an opaque device-status snapshot published by hardware
// layers on their own schedule, with a Changed list of dotted field paths.
type DeviceEvent struct {
	Snapshot any
	Changed  []string
}

// subscriber is a best-effort, fire-and-forget delivery target: a full
// channel or one that the consumer stopped draining is evicted rather than
// allowed to block the publisher.
type subscriber[T any] struct {
	id int
	ch chan T
}

// Publisher fans out task and device transitions to subscribers. Delivery
// never blocks scheduler progress: a slow or stopped subscriber is removed.
type Publisher struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int
	tasks   []subscriber[TaskEvent]
	devices []subscriber[DeviceEvent]
}

// NewPublisher returns an empty Publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// SubscribeTasks registers a new tasks-channel subscriber with the given
// buffer size and returns a channel to read from plus an unsubscribe func.
func (p *Publisher) SubscribeTasks(buffer int) (<-chan TaskEvent, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	ch := make(chan TaskEvent, buffer)
	p.tasks = append(p.tasks, subscriber[TaskEvent]{id: id, ch: ch})
	return ch, func() { p.unsubscribeTasks(id) }
}

// SubscribeDevices registers a new device-channel subscriber.
func (p *Publisher) SubscribeDevices(buffer int) (<-chan DeviceEvent, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	ch := make(chan DeviceEvent, buffer)
	p.devices = append(p.devices, subscriber[DeviceEvent]{id: id, ch: ch})
	return ch, func() { p.unsubscribeDevices(id) }
}

func (p *Publisher) unsubscribeTasks(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.tasks {
		if s.id == id {
			close(s.ch)
			p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
			return
		}
	}
}

func (p *Publisher) unsubscribeDevices(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.devices {
		if s.id == id {
			close(s.ch)
			p.devices = append(p.devices[:i], p.devices[i+1:]...)
			return
		}
	}
}

// PublishTask fans a task transition out to every tasks-channel subscriber.
func (p *Publisher) PublishTask(kind EventKind, rec *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt := TaskEvent{Kind: kind, Record: rec}
	var dead []int
	for _, s := range p.tasks {
		select {
		case s.ch <- evt:
		default:
			if p.logger != nil {
				p.logger.Warn("tasks: evicting slow subscriber", "channel", "tasks", "subscriber", s.id)
			}
			dead = append(dead, s.id)
		}
	}
	p.evictTasksLocked(dead)
}

// PublishDevice fans a device snapshot out to every device-channel subscriber.
func (p *Publisher) PublishDevice(snapshot any, changed []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt := DeviceEvent{Snapshot: snapshot, Changed: changed}
	var dead []int
	for _, s := range p.devices {
		select {
		case s.ch <- evt:
		default:
			if p.logger != nil {
				p.logger.Warn("tasks: evicting slow subscriber", "channel", "device", "subscriber", s.id)
			}
			dead = append(dead, s.id)
		}
	}
	p.evictDevicesLocked(dead)
}

func (p *Publisher) evictTasksLocked(ids []int) {
	if len(ids) == 0 {
		return
	}
	dead := make(map[int]bool, len(ids))
	for _, id := range ids {
		dead[id] = true
	}
	kept := p.tasks[:0]
	for _, s := range p.tasks {
		if dead[s.id] {
			close(s.ch)
			continue
		}
		kept = append(kept, s)
	}
	p.tasks = kept
}

func (p *Publisher) evictDevicesLocked(ids []int) {
	if len(ids) == 0 {
		return
	}
	dead := make(map[int]bool, len(ids))
	for _, id := range ids {
		dead[id] = true
	}
	kept := p.devices[:0]
	for _, s := range p.devices {
		if dead[s.id] {
			close(s.ch)
			continue
		}
		kept = append(kept, s)
	}
	p.devices = kept
}
