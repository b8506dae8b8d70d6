package eventbus

import (
	"context"
	"image"
	"sync"

	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventConnect carries the outcome of a connect attempt.
	EventConnect EventType = "connect"
	// EventFrame carries a composite frame.
	EventFrame EventType = "frame"
	// EventMonitorStop carries the terminal monitor error (nil when stopped).
	EventMonitorStop EventType = "monitor-stop"
)

// Event is a session notification. Frame is shared between subscribers and
// must be treated as read-only.
type Event struct {
	Type   EventType
	Result schema.Result
	Frame  *image.RGBA
	Seq    uint64
	Err    error
}

// Bus fans out session events to subscribers. Publishing never blocks; a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	log    pslog.Logger
	depth  int
	frames uint64
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan Event]struct{}),
		log:   logger,
		depth: 64,
	}
}

// Subscribe registers a subscriber and returns a channel + cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
			b.log.Debug("eventbus unsubscribe")
		})
	}
}

// Callbacks returns session callbacks that publish onto the bus.
func (b *Bus) Callbacks() schema.Callbacks {
	return schema.Callbacks{
		OnConnect:     b.OnConnect,
		OnFrame:       b.OnFrame,
		OnMonitorStop: b.OnMonitorStop,
	}
}

// OnConnect publishes a connect outcome.
func (b *Bus) OnConnect(res schema.Result) {
	b.publish(Event{Type: EventConnect, Result: res})
}

// OnFrame publishes a frame.
func (b *Bus) OnFrame(img *image.RGBA) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.frames++
	seq := b.frames
	b.mu.Unlock()
	b.publish(Event{Type: EventFrame, Frame: img, Seq: seq})
}

// OnMonitorStop publishes the end of a monitor stream.
func (b *Bus) OnMonitorStop(err error) {
	b.publish(Event{Type: EventMonitorStop, Err: err})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Trace("eventbus dropped", "type", string(event.Type), "count", dropped)
	}
}
