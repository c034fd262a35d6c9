package pipeline

import (
	"sync"
	"time"
)

// EventType 标识事件的类别。
type EventType string

const (
	EventItemUpdate  EventType = "item_update"
	EventBatchUpdate EventType = "batch_update"
	EventProgress    EventType = "progress"
)

// Event 是编排核心向展示层推送的一条状态变更。
// 核心不关心展示层用什么框架消费，只往显式的发布/订阅总线上发。
type Event struct {
	Type          EventType   `json:"type"`
	ItemID        string      `json:"itemId,omitempty"`
	ItemStatus    ItemStatus  `json:"itemStatus,omitempty"`
	BatchStatus   BatchStatus `json:"batchStatus,omitempty"`
	Progress      int         `json:"progress,omitempty"`
	TotalProgress int         `json:"totalProgress,omitempty"`
	Message       string      `json:"message,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// 单个订阅者的事件缓冲大小。消费过慢的订阅者会丢事件而不是阻塞核心。
const subscriberBuffer = 64

// EventBus 是进程内的事件总线。发布永不阻塞。
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBus 创建一个事件总线。
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe 注册一个订阅者，返回事件通道和取消函数。
// 取消后通道会被关闭。
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish 向所有订阅者广播一个事件。订阅者缓冲已满时丢弃该事件。
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close 关闭总线并断开所有订阅者。
func (b *EventBus) Close() {
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
