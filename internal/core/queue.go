package core

import (
	"errors"
	"sync"
	"time"
)

// ErrQueueFull возвращается ограниченной очередью при переполнении.
var ErrQueueFull = errors.New("queue full")

// Inbound связывает запрос с соединением, куда уйдет ответ.
type Inbound struct {
	Request  Request
	Sink     MessageSink
	Source   string
	Peer     string
	Received time.Time
}

// QueueOption настраивает Queue.
type QueueOption func(*Queue)

// WithQueueCapacity ограничивает очередь; 0 отключает ограничение.
func WithQueueCapacity(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// Queue реализует потокобезопасную FIFO очередь ожидающих запросов.
// Enqueue вызывается из любых горутин, Dequeue только из owner-цикла.
type Queue struct {
	mu       sync.Mutex
	items    []Inbound
	head     int
	capacity int

	enqueued uint64
	rejected uint64
}

// NewQueue создает пустую очередь.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue добавляет запрос в конец очереди и никогда не блокирует вызывающего.
func (q *Queue) Enqueue(in Inbound) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items)-q.head >= q.capacity {
		q.rejected++
		return ErrQueueFull
	}
	q.items = append(q.items, in)
	q.enqueued++
	return nil
}

// Dequeue извлекает первый запрос; false, если очередь пуста.
func (q *Queue) Dequeue() (Inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return Inbound{}, false
	}
	in := q.items[q.head]
	q.items[q.head] = Inbound{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return in, true
}

// IsEmpty дает рекомендательную проверку для цикла опустошения.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Len возвращает текущее число ожидающих запросов.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// QueueStats содержит счетчики очереди.
type QueueStats struct {
	Pending  int    `json:"pending"`
	Capacity int    `json:"capacity"`
	Enqueued uint64 `json:"enqueued"`
	Rejected uint64 `json:"rejected"`
}

// Stats возвращает снимок счетчиков.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:  len(q.items) - q.head,
		Capacity: q.capacity,
		Enqueued: q.enqueued,
		Rejected: q.rejected,
	}
}
