package memory

import (
	"sync"

	"airwave/internal/core/domain"
)

// subscription queues events without bounding so that publishers never
// block on a slow reader.
type subscription struct {
	id     int
	table  domain.Table
	filter domain.Filter

	mu     sync.Mutex
	queue  []domain.ChangeEvent
	wake   chan struct{}
	out    chan domain.ChangeEvent
	done   chan struct{}
	once   sync.Once
	onStop func(id int)
}

func newSubscription(id int, table domain.Table, filter domain.Filter, onStop func(int)) *subscription {
	s := &subscription{
		id:     id,
		table:  table,
		filter: filter,
		wake:   make(chan struct{}, 1),
		out:    make(chan domain.ChangeEvent),
		done:   make(chan struct{}),
		onStop: onStop,
	}
	go s.pump()
	return s
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.out }

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop(s.id)
		}
	})
	return nil
}

func (s *subscription) matches(ev domain.ChangeEvent) bool {
	return ev.Table == s.table && s.filter.Matches(ev)
}

func (s *subscription) push(ev domain.ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
