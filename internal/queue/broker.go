package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

// Delivery is one received job.
type Delivery struct {
	Queue   string
	Subject string
	Data    []byte
	// Attempt is 1 on first delivery.
	Attempt    int
	MaxDeliver int
}

// Decode unmarshals the job payload into v.
func (d Delivery) Decode(v interface{}) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return apperr.Validation(apperr.ReasonBadRequest, "malformed job payload: "+err.Error())
	}
	return nil
}

// Handler processes a delivery. A nil error acknowledges it, a validation
// error terminates it, any other error redelivers it after RetryDelay.
type Handler func(ctx context.Context, d Delivery) error

// RetryAfterError is implemented by errors that know when a retry can
// succeed.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryDelay is the redelivery delay for a retryable failure: the queue's
// NakDelay, or longer when err asks for it.
func RetryDelay(q QueueConfig, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > q.NakDelay {
		return ra.RetryAfter()
	}
	return q.NakDelay
}

// Broker publishes and consumes jobs.
type Broker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *logging.Logger
	ownsNC bool
}

// Connect dials NATS and prepares the stream.
func Connect(ctx context.Context, cfg Config, logger *logging.Logger) (*Broker, error) {
	cfg.ApplyDefaults()
	nc, err := nats.Connect(cfg.URL,
		nats.Name("ingestd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	b, err := New(ctx, nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsNC = true
	return b, nil
}

// New wraps an existing connection and creates or updates the stream to
// cover every configured queue subject.
func New(ctx context.Context, nc *nats.Conn, cfg Config, logger *logging.Logger) (*Broker, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	for _, q := range cfg.Queues {
		if err := q.Validate(); err != nil {
			return nil, err
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	b := &Broker{nc: nc, js: js, cfg: cfg, logger: logger.Named("queue")}
	if err := b.ensureStream(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureStream(ctx context.Context) error {
	subjects := make([]string, 0, len(b.cfg.Queues))
	for _, q := range b.cfg.Queues {
		subjects = append(subjects, q.Subject)
	}
	sort.Strings(subjects)

	sc := &nats.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  subjects,
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	}
	_, err := b.js.StreamInfo(b.cfg.Stream, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := b.js.AddStream(sc, nats.Context(ctx)); err != nil {
			return fmt.Errorf("creating stream %s: %w", b.cfg.Stream, err)
		}
		b.logger.Info(ctx, "stream created", zap.String("stream", b.cfg.Stream), zap.Strings("subjects", subjects))
	case err != nil:
		return fmt.Errorf("inspecting stream %s: %w", b.cfg.Stream, err)
	default:
		if _, err := b.js.UpdateStream(sc, nats.Context(ctx)); err != nil {
			return fmt.Errorf("updating stream %s: %w", b.cfg.Stream, err)
		}
	}
	return nil
}

// Queue returns the configuration of a named queue.
func (b *Broker) Queue(name string) (QueueConfig, error) {
	q, ok := b.cfg.Queues[name]
	if !ok {
		return QueueConfig{}, fmt.Errorf("unknown queue %q", name)
	}
	return q, nil
}

// Publish enqueues v as JSON on the named queue. A non-empty msgID
// deduplicates publishes within the stream's duplicate window.
func (b *Broker) Publish(ctx context.Context, queue, msgID string, v interface{}) error {
	q, err := b.Queue(queue)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := b.js.Publish(q.Subject, data, opts...); err != nil {
		return fmt.Errorf("publish to %s: %w", q.Subject, err)
	}
	PublishedTotal.WithLabelValues(q.Name).Inc()
	return nil
}

// Consume processes the named queue with its configured concurrency until
// ctx is canceled. In-flight jobs finish before Consume returns.
func (b *Broker) Consume(ctx context.Context, queue string, h Handler) error {
	q, err := b.Queue(queue)
	if err != nil {
		return err
	}
	sub, err := b.js.PullSubscribe(q.Subject, q.durable(),
		nats.BindStream(b.cfg.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.AckWait),
		nats.MaxDeliver(q.MaxDeliver),
		nats.MaxAckPending(q.Concurrency*2),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.Name, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	b.logger.Info(ctx, "consumer started",
		zap.String("queue", q.Name),
		zap.Int("concurrency", q.Concurrency),
		zap.Duration("ack_wait", q.AckWait),
		zap.Int("max_deliver", q.MaxDeliver))

	var wg sync.WaitGroup
	for i := 0; i < q.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.pull(ctx, q, sub, h)
		}()
	}
	wg.Wait()
	return nil
}

func (b *Broker) pull(ctx context.Context, q QueueConfig, sub *nats.Subscription, h Handler) {
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(1, nats.MaxWait(b.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			b.logger.Warn(ctx, "fetch failed", zap.String("queue", q.Name), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			b.handle(ctx, q, msg, h)
		}
	}
}

// handle runs h for one message, heartbeating while it runs, and settles
// the message according to the returned error.
func (b *Broker) handle(ctx context.Context, q QueueConfig, msg *nats.Msg, h Handler) {
	d := Delivery{Queue: q.Name, Subject: msg.Subject, Data: msg.Data, Attempt: 1, MaxDeliver: q.MaxDeliver}
	if md, err := msg.Metadata(); err == nil {
		d.Attempt = int(md.NumDelivered)
	}

	JobsInFlight.WithLabelValues(q.Name).Inc()
	defer JobsInFlight.WithLabelValues(q.Name).Dec()

	stop := b.heartbeat(ctx, q, msg)
	start := time.Now()
	err := safeRun(ctx, h, d)
	stop()
	JobDuration.WithLabelValues(q.Name).Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("queue", q.Name),
		zap.Int("attempt", d.Attempt),
		zap.Duration("duration", time.Since(start)),
	}
	switch {
	case err == nil:
		b.settle(ctx, q, "ack", msg.Ack())
		b.logger.Debug(ctx, "job acknowledged", fields...)
	case !apperr.Retryable(err):
		b.settle(ctx, q, "term", msg.Term())
		b.logger.Warn(ctx, "job terminated", append(fields, zap.Error(err))...)
	default:
		delay := RetryDelay(q, err)
		if d.Attempt >= q.MaxDeliver {
			b.logger.Error(ctx, "job failed on final attempt", append(fields, zap.Error(err))...)
		} else {
			b.logger.Warn(ctx, "job failed, will retry", append(fields, zap.Error(err), zap.Duration("delay", delay))...)
		}
		b.settle(ctx, q, "nak", msg.NakWithDelay(delay))
	}
}

func (b *Broker) settle(ctx context.Context, q QueueConfig, outcome string, err error) {
	JobsTotal.WithLabelValues(q.Name, outcome).Inc()
	if err != nil {
		b.logger.Warn(ctx, "settling delivery failed", zap.String("queue", q.Name), zap.String("outcome", outcome), zap.Error(err))
	}
}

// heartbeat sends InProgress at a third of AckWait until the returned
// function is called.
func (b *Broker) heartbeat(ctx context.Context, q QueueConfig, msg *nats.Msg) func() {
	interval := q.AckWait / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					b.logger.Debug(ctx, "heartbeat failed", zap.String("queue", q.Name), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// safeRun converts a handler panic into a retryable error.
func safeRun(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

// Close drains the connection when the broker dialed it.
func (b *Broker) Close() error {
	if b.ownsNC {
		return b.nc.Drain()
	}
	return nil
}
