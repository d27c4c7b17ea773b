package sessionkit

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

// Session lifecycle topics.
const (
	TopicTokenExpired       = "session:token_expired"
	TopicTokenRefreshed     = "session:token_refreshed"
	TopicAuthError          = "session:auth_error"
	TopicCredentialsChanged = "session:credentials_changed"
)

var allTopics = []string{
	TopicTokenExpired,
	TopicTokenRefreshed,
	TopicAuthError,
	TopicCredentialsChanged,
}

// Event is delivered to listeners of every topic. Fields not relevant to the topic are empty.
type Event struct {
	Topic string
	// Reason explains a token_expired event.
	Reason error
	// AccessToken and RefreshToken carry the new pair on token_refreshed.
	AccessToken  string
	RefreshToken string
	// Err carries the failure on auth_error.
	Err error
	// HasToken reports the session state on credentials_changed.
	HasToken bool
}

// Events fans session lifecycle notifications out to listeners asynchronously.
// Listeners must not assume delivery order across topics.
type Events struct {
	bus       evbus.Bus
	mutex     sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]func(Event)
	closed    bool
}

// NewEvents constructs an event hub with one bus dispatcher per topic.
func NewEvents() *Events {
	events := &Events{
		bus:       evbus.New(),
		listeners: make(map[string]map[uint64]func(Event)),
	}
	for _, topic := range allTopics {
		events.listeners[topic] = make(map[uint64]func(Event))
		_ = events.bus.SubscribeAsync(topic, events.dispatch, false)
	}
	return events
}

// Subscribe registers listener for topic and returns a function that removes exactly that listener.
func (events *Events) Subscribe(topic string, listener func(Event)) func() {
	if listener == nil {
		return func() {}
	}
	events.mutex.Lock()
	registry, ok := events.listeners[topic]
	if !ok {
		registry = make(map[uint64]func(Event))
		events.listeners[topic] = registry
		_ = events.bus.SubscribeAsync(topic, events.dispatch, false)
	}
	events.nextID++
	id := events.nextID
	registry[id] = listener
	events.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			events.mutex.Lock()
			delete(events.listeners[topic], id)
			events.mutex.Unlock()
		})
	}
}

// Publish delivers event to every listener of event.Topic without blocking on them.
func (events *Events) Publish(event Event) {
	events.mutex.RLock()
	closed := events.closed
	events.mutex.RUnlock()
	if closed || event.Topic == "" {
		return
	}
	events.bus.Publish(event.Topic, event)
}

// Wait blocks until every delivery published so far has completed.
func (events *Events) Wait() {
	events.bus.WaitAsync()
}

// Close stops delivery and drains pending listeners.
func (events *Events) Close() {
	events.mutex.Lock()
	if events.closed {
		events.mutex.Unlock()
		return
	}
	events.closed = true
	topics := make([]string, 0, len(events.listeners))
	for topic := range events.listeners {
		topics = append(topics, topic)
	}
	events.mutex.Unlock()

	events.bus.WaitAsync()
	for _, topic := range topics {
		_ = events.bus.Unsubscribe(topic, events.dispatch)
	}
}

func (events *Events) dispatch(event Event) {
	events.mutex.RLock()
	registry := events.listeners[event.Topic]
	listeners := make([]func(Event), 0, len(registry))
	for _, listener := range registry {
		listeners = append(listeners, listener)
	}
	events.mutex.RUnlock()
	for _, listener := range listeners {
		listener(event)
	}
}
