package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"airwave/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type subscription struct {
	pubsub *redis.PubSub
	filter domain.Filter
	out    chan domain.ChangeEvent
	done   chan struct{}
	once   sync.Once
	logger *zap.SugaredLogger
}

func newSubscription(ctx context.Context, pubsub *redis.PubSub, filter domain.Filter, buffer int, logger *zap.SugaredLogger) *subscription {
	s := &subscription{
		pubsub: pubsub,
		filter: filter,
		out:    make(chan domain.ChangeEvent, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.forward(ctx)
	return s
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *subscription) forward(ctx context.Context) {
	defer close(s.out)
	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warnw("failed to unmarshal change event", "channel", msg.Channel, "error", err)
				continue
			}
			if !s.filter.Matches(ev) {
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			case <-ctx.Done():
				_ = s.Close()
				return
			}
		}
	}
}

const (
	// streamField is the entry field carrying the encoded change event.
	streamField = "event"

	streamRetryMin = 100 * time.Millisecond
	streamRetryMax = 5 * time.Second
)

// streamSubscription reads one stream with XREAD. Entries written while a
// read failed are picked up from the last delivered id on the next read.
type streamSubscription struct {
	client *redis.Client
	stream string
	cursor string
	filter domain.Filter
	out    chan domain.ChangeEvent
	cancel context.CancelFunc
	once   sync.Once
	logger *zap.SugaredLogger
}

func newStreamSubscription(ctx context.Context, client *redis.Client, stream, cursor string, filter domain.Filter, buffer int, logger *zap.SugaredLogger) *streamSubscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &streamSubscription{
		client: client,
		stream: stream,
		cursor: cursor,
		filter: filter,
		out:    make(chan domain.ChangeEvent, buffer),
		cancel: cancel,
		logger: logger,
	}
	go s.forward(ctx)
	return s
}

func (s *streamSubscription) Events() <-chan domain.ChangeEvent { return s.out }

func (s *streamSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *streamSubscription) forward(ctx context.Context) {
	defer close(s.out)
	backoff := streamRetryMin
	for ctx.Err() == nil {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, s.cursor},
			Count:   64,
			Block:   signalBlock,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.logger.Warnw("stream read failed, retrying", "cursor", s.cursor, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, streamRetryMax)
			continue
		}
		backoff = streamRetryMin

		for _, st := range res {
			for _, msg := range st.Messages {
				s.cursor = msg.ID
				ev, ok := s.decode(msg)
				if !ok || !s.filter.Matches(ev) {
					continue
				}
				select {
				case s.out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *streamSubscription) decode(msg redis.XMessage) (domain.ChangeEvent, bool) {
	var ev domain.ChangeEvent
	raw, ok := msg.Values[streamField].(string)
	if !ok {
		s.logger.Warnw("stream entry without event", "id", msg.ID)
		return ev, false
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		s.logger.Warnw("failed to unmarshal change event", "id", msg.ID, "error", err)
		return ev, false
	}
	return ev, true
}
