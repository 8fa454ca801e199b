package monitor

import (
    "fmt"
    "log"
    "sync"
    "time"

    "coldchain/internal/metrics"
)

// Well-known channels. Per-vehicle traffic goes to VehicleChannel(id).
const (
    ChannelFleet     = "fleet"
    ChannelAlerts    = "alerts"
    ChannelEmergency = "emergency"
)

func VehicleChannel(id string) string { return "vehicle:" + id }

type Event struct {
    Type    string    `json:"type"`
    Channel string    `json:"channel"`
    At      time.Time `json:"at"`
    Data    any       `json:"data,omitempty"`
    // Origin is the broker instance that first published the event.
    Origin  string    `json:"origin,omitempty"`
}

// Sink receives every event on its own goroutine. Errors are only logged.
type Sink func(Event) error

// Relay forwards locally published events to other instances.
type Relay interface {
    Forward(evt Event) error
}

// Subscription is one consumer's view of a channel. C is closed by Close.
type Subscription struct {
    Channel string
    C       <-chan Event
    ch      chan Event
    b       *Broker
    once    sync.Once
}

func (s *Subscription) Close() { s.once.Do(func() { s.b.unsubscribe(s) }) }

type Broker struct {
    ID     string
    Buffer int

    mu    sync.Mutex
    subs  map[string]map[*Subscription]struct{} // channel -> subscriptions
    sinks []*sinkWorker
}

func NewBroker(id string) *Broker {
    return &Broker{ID: id, Buffer: 32, subs: map[string]map[*Subscription]struct{}{}}
}

// SetRelay forwards events that originate here to r. Forwarding runs as the
// "relay" sink, so a slow relay only ever fills its own queue.
func (b *Broker) SetRelay(r Relay, stop <-chan struct{}) {
    b.AddSink("relay", func(evt Event) error {
        if evt.Origin != b.ID { return nil }
        if err := r.Forward(evt); err != nil {
            return fmt.Errorf("relay %s: %w", evt.Channel, err)
        }
        return nil
    }, stop)
}

func (b *Broker) Subscribe(channel string) *Subscription {
    ch := make(chan Event, b.Buffer)
    s := &Subscription{Channel: channel, C: ch, ch: ch, b: b}
    b.mu.Lock()
    if b.subs[channel] == nil { b.subs[channel] = map[*Subscription]struct{}{} }
    b.subs[channel][s] = struct{}{}
    b.mu.Unlock()
    return s
}

func (b *Broker) unsubscribe(s *Subscription) {
    b.mu.Lock()
    if m := b.subs[s.Channel]; m != nil {
        delete(m, s)
        if len(m) == 0 { delete(b.subs, s.Channel) }
    }
    b.mu.Unlock()
    close(s.ch)
}

// Publish delivers evt to local subscribers and queues it for every sink,
// the relay included. It never blocks: a full queue drops the event for that
// subscriber or sink only.
func (b *Broker) Publish(channel string, evt Event) {
    evt.Channel = channel
    if evt.At.IsZero() { evt.At = time.Now().UTC() }
    if evt.Origin == "" { evt.Origin = b.ID }
    b.deliver(evt)
}

// Deliver hands a relayed event to local subscribers. Its foreign origin
// keeps the relay sink from sending it back out.
func (b *Broker) Deliver(evt Event) { b.deliver(evt) }

func (b *Broker) deliver(evt Event) {
    b.mu.Lock()
    defer b.mu.Unlock()
    for s := range b.subs[evt.Channel] {
        select {
        case s.ch <- evt:
        default:
            metrics.MonitorDropped.WithLabelValues(channelLabel(evt.Channel)).Inc()
        }
    }
    for _, w := range b.sinks {
        w.offer(evt)
    }
}

// AddSink starts a worker that feeds fn from its own queue until stop is
// closed.
func (b *Broker) AddSink(name string, fn Sink, stop <-chan struct{}) {
    w := &sinkWorker{name: name, fn: fn, q: make(chan Event, b.Buffer*4)}
    b.mu.Lock()
    b.sinks = append(b.sinks, w)
    b.mu.Unlock()
    go w.run(stop)
}

type sinkWorker struct {
    name string
    fn   Sink
    q    chan Event
}

func (w *sinkWorker) offer(evt Event) {
    select {
    case w.q <- evt:
    default:
        metrics.MonitorDropped.WithLabelValues("sink:" + w.name).Inc()
    }
}

func (w *sinkWorker) run(stop <-chan struct{}) {
    for {
        select {
        case evt := <-w.q:
            if err := w.fn(evt); err != nil {
                log.Printf("monitor: sink %s: %v", w.name, err)
            }
        case <-stop:
            return
        }
    }
}

// channelLabel keeps metric cardinality bounded.
func channelLabel(ch string) string {
    if len(ch) > 8 && ch[:8] == "vehicle:" { return "vehicle" }
    return ch
}
