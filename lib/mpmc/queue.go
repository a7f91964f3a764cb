// Package mpmc provides a implementation for a multiple-producer,
// multiple-consumer broadcast queue.
package mpmc

import (
	"errors"
	"sync"
)

var ErrConsumerExists = errors.New("mpmc: consumer already exists")

type Queue[T any] struct {
	mu        sync.RWMutex
	consumers map[string]chan<- T
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{consumers: make(map[string]chan<- T)}
}

func (q *Queue[T]) AddConsumer(id string, c chan<- T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.consumers[id]; ok {
		return ErrConsumerExists
	}
	q.consumers[id] = c
	return nil
}

func (q *Queue[T]) RemoveConsumer(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.consumers, id)
}

func (q *Queue[T]) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.consumers)
}

// Broadcast offers value to every consumer and returns the ids of consumers
// whose channel was full. Those consumers miss the value.
func (q *Queue[T]) Broadcast(value T) []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var dropped []string
	for id, c := range q.consumers {
		select {
		case c <- value:
		default:
			dropped = append(dropped, id)
		}
	}
	return dropped
}
