package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// RedisBroker implements Broker over Redis pub/sub with two independent clients,
// one for PUBLISH and one held by the SUBSCRIBE receive loop.
//
// After startup a dropped subscription is re-established with exponential backoff.
// Publishes are never retried here; callers see ErrPublishFailed.
type RedisBroker struct {
	url            string
	connectTimeout time.Duration
	logger         *zap.Logger

	// subscribed is false while a lost subscription is being re-established
	subscribed atomic.Bool

	mu     sync.Mutex
	pub    rueidis.Client
	sub    rueidis.Client
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBroker creates a broker for a redis:// or rediss:// URL
func NewRedisBroker(url string, connectTimeout time.Duration, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &RedisBroker{
		url:            url,
		connectTimeout: connectTimeout,
		logger:         logger.Named("redis"),
	}
}

func (r *RedisBroker) Connect(ctx context.Context) error {
	opt, err := rueidis.ParseURL(r.url)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	// Client-side caching is not used and would require RESP3 tracking
	opt.DisableCache = true
	opt.Dialer.Timeout = r.connectTimeout

	pub, err := rueidis.NewClient(opt)
	if err != nil {
		return fmt.Errorf("publisher connect: %w", err)
	}
	sub, err := rueidis.NewClient(opt)
	if err != nil {
		pub.Close()
		return fmt.Errorf("subscriber connect: %w", err)
	}

	for name, c := range map[string]rueidis.Client{"publisher": pub, "subscriber": sub} {
		if err := c.Do(ctx, c.B().Ping().Build()).Error(); err != nil {
			pub.Close()
			sub.Close()
			return fmt.Errorf("%s ping: %w", name, err)
		}
	}

	r.mu.Lock()
	r.pub, r.sub = pub, sub
	r.runCtx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	r.logger.Info("connected", zap.Strings("addresses", opt.InitAddress))
	return nil
}

func (r *RedisBroker) Publish(ctx context.Context, channel string, data []byte) error {
	r.mu.Lock()
	pub := r.pub
	r.mu.Unlock()
	if pub == nil {
		return errors.New("redis publisher not connected")
	}
	return pub.Do(ctx, pub.B().Publish().Channel(channel).Message(rueidis.BinaryString(data)).Build()).Error()
}

func (r *RedisBroker) Subscribe(ctx context.Context, channel string, fn func([]byte)) error {
	r.mu.Lock()
	sub, runCtx := r.sub, r.runCtx
	r.mu.Unlock()
	if sub == nil {
		return errors.New("redis subscriber not connected")
	}

	ready := make(chan struct{})
	failed := make(chan error, 1)

	r.wg.Add(1)
	go r.receiveLoop(runCtx, sub, channel, fn, ready, failed)

	select {
	case <-ready:
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop holds the subscription open. Before the first successful SUBSCRIBE any
// error is returned through failed; afterwards the loop reconnects until runCtx ends.
func (r *RedisBroker) receiveLoop(runCtx context.Context, sub rueidis.Client, channel string, fn func([]byte), ready chan struct{}, failed chan error) {
	defer r.wg.Done()

	var established, resubscribed atomic.Bool
	var readyOnce sync.Once

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	hookCtx := rueidis.WithOnSubscriptionHook(runCtx, func(s rueidis.PubSubSubscription) {
		if s.Kind != "subscribe" || s.Channel != channel {
			return
		}
		if established.Swap(true) {
			r.logger.Info("subscription restored", zap.String("channel", channel))
		}
		resubscribed.Store(true)
		r.subscribed.Store(true)
		readyOnce.Do(func() { close(ready) })
	})

	for {
		err := sub.Receive(hookCtx, sub.B().Subscribe().Channel(channel).Build(), func(msg rueidis.PubSubMessage) {
			fn([]byte(msg.Message))
		})
		r.subscribed.Store(false)
		if runCtx.Err() != nil {
			return
		}
		if !established.Load() {
			if err == nil {
				err = errors.New("subscription ended before it was confirmed")
			}
			failed <- err
			return
		}

		if resubscribed.Swap(false) {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		r.logger.Warn("subscription lost, reconnecting",
			zap.String("channel", channel),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		select {
		case <-runCtx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *RedisBroker) Subscribed() bool {
	return r.subscribed.Load()
}

func (r *RedisBroker) Close() error {
	r.mu.Lock()
	pub, sub, cancel := r.pub, r.sub, r.cancel
	r.pub, r.sub, r.cancel = nil, nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
	r.wg.Wait()
	if pub != nil {
		pub.Close()
	}
	return nil
}
