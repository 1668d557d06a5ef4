package atoll

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the engine.
const (
	EventTokenUsage    = "token_usage"
	EventTurnCompleted = "turn_completed"
)

// UsageEvent carries per-call token accounting.
type UsageEvent struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// TurnEvent summarizes a completed turn.
type TurnEvent struct {
	Iterations    int           `json:"iterations"`
	AgentsRun     int           `json:"agents_run"`
	SkillCalls    int           `json:"skill_calls"`
	Duration      time.Duration `json:"duration"`
	ResponseChars int           `json:"response_chars"`
}

// Event is a progress notification from a running conversation.
type Event struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Usage          *UsageEvent `json:"usage,omitempty"`
	Turn           *TurnEvent  `json:"turn,omitempty"`
	At             time.Time   `json:"at"`
}

// Broker fans events out to subscribers. Delivery is lossy: a subscriber
// that does not drain its channel loses events rather than blocking the
// publisher. The zero value is not usable; call NewBroker.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped uint64
	closed  bool
	logger  *slog.Logger
}

// NewBroker returns an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{subs: make(map[int]chan Event), logger: nopLogger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerLogger sets the structured logger for drop reporting.
func WithBrokerLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

const subscriberBuffer = 64

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. Cancel is idempotent and closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. Events for
// full subscriber channels are dropped and counted.
func (b *Broker) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			b.logger.Debug("broker: event dropped",
				"subscriber", id, "type", ev.Type, "total_dropped", b.dropped)
		}
	}
}

// Dropped reports how many events have been discarded for slow subscribers.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
