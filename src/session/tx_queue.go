package session

import (
	"github.com/nhirsama/Goster-Gateway/src/inter"
)

// DefaultQueueCapacity 发送队列默认容量
const DefaultQueueCapacity = 10

// BoundedQueue 有界 FIFO 发送队列
// 队列满时采用"丢弃最早一条"策略为新数据腾位，溢出上报但不视为错误。
// 仅在事件循环上下文中访问，无需加锁。
type BoundedQueue struct {
	entries  [][]byte
	capacity int
}

func NewTxQueue(capacity int) inter.TxQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &BoundedQueue{
		entries:  make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

func (q *BoundedQueue) Enqueue(payload []byte) (evicted []byte) {
	if len(q.entries) >= q.capacity {
		// 队列满策略：丢弃最早的一条并压入新数据
		evicted = q.entries[0]
		q.entries = q.entries[1:]
	}
	// 入队时拷贝，调用方的缓冲可能随后被复用
	own := make([]byte, len(payload))
	copy(own, payload)
	q.entries = append(q.entries, own)
	return evicted
}

func (q *BoundedQueue) PeekFront() ([]byte, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

func (q *BoundedQueue) PopFront() ([]byte, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	front := q.entries[0]
	q.entries = q.entries[1:]
	return front, true
}

func (q *BoundedQueue) Len() int {
	return len(q.entries)
}

func (q *BoundedQueue) Clear() [][]byte {
	dropped := q.entries
	q.entries = make([][]byte, 0, q.capacity)
	return dropped
}
