package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans out log lines per topic to subscribers. Topics are
// conversion IDs or worker IDs. It is safe for concurrent use.
//
// A broker created with a history size keeps that many recent lines per open
// topic and replays them to new subscribers. Closed topics are retained as
// markers without history so that late subscribers receive a closed channel
// instead of blocking forever.
type LogBroker struct {
	historySize int

	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs    map[int]chan string
	nextID  int
	closed  bool
	history []string
}

// NewLogBroker creates a log broker keeping historySize recent lines per
// topic. Zero disables replay.
func NewLogBroker(historySize int) *LogBroker {
	return &LogBroker{
		historySize: max(historySize, 0),
		topics:      make(map[string]*logTopic),
	}
}

func (b *LogBroker) topicLocked(topic string) *logTopic {
	t, ok := b.topics[topic]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[topic] = t
	}
	return t
}

// Subscribe returns a channel that receives log lines for topic and an
// unsubscribe function. Retained history is delivered first. If the topic
// has been closed, the returned channel is immediately closed.
func (b *LogBroker) Subscribe(topic string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(topic)

	ch := make(chan string, subscriberBufferSize+len(t.history))
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	for _, line := range t.history {
		ch <- line
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a log line to all subscribers of topic.
// Lines are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(topic string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok && b.historySize == 0 {
		return
	}
	if !ok {
		t = b.topicLocked(topic)
	}
	if t.closed {
		return
	}

	if b.historySize > 0 {
		if len(t.history) == b.historySize {
			t.history = append(t.history[:0], t.history[1:]...)
		}
		t.history = append(t.history, line)
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more logs will be published for topic. All
// subscriber channels are closed and future Subscribe calls return a closed
// channel.
func (b *LogBroker) Close(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(topic)
	t.closed = true
	t.history = nil
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
