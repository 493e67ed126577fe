package api

import (
	"sync"
)

// Hub 以 topic（scene key）管理 SSE 訂閱者
//
// 訂閱、取消訂閱與發布都經由 Run 的單一 goroutine 串行處理，
// topics 不會被並發修改。訂閱者的 channel 由 handler 建立與關閉，Hub 只負責寫入。
type Hub struct {
	topics map[string]map[chan []byte]bool

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan topicMessage
	done        chan struct{}
	closeOnce   sync.Once

	mu sync.Mutex
}

type subscription struct {
	ch    chan []byte
	topic string
}

type topicMessage struct {
	topic string
	msg   []byte
}

// NewHub 建立 Hub；publish 有緩衝，短時間突發不會阻塞發布者
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]map[chan []byte]bool),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan topicMessage, 100),
		done:        make(chan struct{}),
	}
}

// Run 事件循環，需在獨立 goroutine 執行，直到 Close
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case s := <-h.subscribe:
			h.mu.Lock()
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan []byte]bool)
				h.topics[s.topic] = subs
			}
			subs[s.ch] = true
			h.mu.Unlock()
		case s := <-h.unsubscribe:
			h.mu.Lock()
			if subs, ok := h.topics[s.topic]; ok {
				delete(subs, s.ch)
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
			h.mu.Unlock()
		case tm := <-h.publish:
			h.mu.Lock()
			for ch := range h.topics[tm.topic] {
				select {
				case ch <- tm.msg:
				default:
					// 客戶端沒在讀，丟棄
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close 停止事件循環；之後的呼叫都直接返回
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// PublishTopic 發布訊息給 topic 的所有訂閱者
func (h *Hub) PublishTopic(topic string, msg []byte) {
	select {
	case h.publish <- topicMessage{topic: topic, msg: msg}:
	case <-h.done:
	}
}

// Subscribe 註冊 ch 為 topic 的訂閱者；返回時已生效
func (h *Hub) Subscribe(ch chan []byte, topic string) bool {
	select {
	case h.subscribe <- subscription{ch: ch, topic: topic}:
		return true
	case <-h.done:
		return false
	}
}

// Unsubscribe 取消訂閱
func (h *Hub) Unsubscribe(ch chan []byte, topic string) {
	select {
	case h.unsubscribe <- subscription{ch: ch, topic: topic}:
	case <-h.done:
	}
}

// Subscribers topic 目前的訂閱者數量
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}
