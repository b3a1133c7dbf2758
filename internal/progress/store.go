// Package progress keeps job progress, job results and per-file processing
// leases in Redis.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

// ErrLeaseHeld means another worker is processing the file.
var ErrLeaseHeld = errors.New("file lease held by another worker")

// LeaseHeldError reports a held lease together with its remaining lifetime.
// It matches ErrLeaseHeld.
type LeaseHeldError struct {
	FileID    string
	Remaining time.Duration
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("%v: %s (expires in %s)", ErrLeaseHeld, e.FileID, e.Remaining.Round(time.Second))
}

func (e *LeaseHeldError) Unwrap() error { return ErrLeaseHeld }

// RetryAfter is when the lease is free at the latest, even if its holder
// crashed.
func (e *LeaseHeldError) RetryAfter() time.Duration {
	return e.Remaining + leaseRetryMargin
}

// leaseRetryMargin absorbs clock skew between Redis and the broker.
const leaseRetryMargin = time.Second

// Config configures the Redis connection and key lifetimes.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key. Default: "ingestd"
	KeyPrefix string

	// TTL is how long progress and results are kept. Default: 24h
	TTL time.Duration

	// LeaseTTL bounds how long a crashed worker blocks a file. Default: 35m
	LeaseTTL time.Duration

	// DialTimeout bounds the startup ping. Default: 3s
	DialTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "ingestd"
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 35 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
}

// JobResult is the outcome of one job run.
type JobResult struct {
	Status    string    `json:"status"`
	Chunks    int       `json:"chunks"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store reads and writes progress state.
type Store struct {
	client *redis.Client
	cfg    Config
	logger *logging.Logger
}

// New connects to Redis and pings it.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, logger *logging.Logger) *Store {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{client: client, cfg: cfg, logger: logger.Named("progress")}
}

func (s *Store) key(kind, fileID string) string {
	return s.cfg.KeyPrefix + ":" + kind + ":" + fileID
}

// Report records progress in [0, 100] for a file. Failures are logged and
// otherwise ignored.
func (s *Store) Report(ctx context.Context, fileID string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if err := s.client.Set(ctx, s.key("progress", fileID), pct, s.cfg.TTL).Err(); err != nil {
		s.logger.Debug(ctx, "progress write failed",
			zap.String("file_id", fileID),
			zap.Int("progress", pct),
			zap.Error(err))
	}
}

// Progress returns the last reported progress of a file. ok is false when
// nothing was reported.
func (s *Store) Progress(ctx context.Context, fileID string) (pct int, ok bool, err error) {
	v, err := s.client.Get(ctx, s.key("progress", fileID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading progress: %w", err)
	}
	pct, err = strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("parsing progress %q: %w", v, err)
	}
	return pct, true, nil
}

// SaveResult stores the outcome of a file's latest job.
func (s *Store) SaveResult(ctx context.Context, fileID string, r JobResult) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshalling result: %w", err)
	}
	if err := s.client.Set(ctx, s.key("result", fileID), data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}

// Result returns the stored outcome of a file's latest job.
func (s *Store) Result(ctx context.Context, fileID string) (*JobResult, bool, error) {
	data, err := s.client.Get(ctx, s.key("result", fileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading result: %w", err)
	}
	var r JobResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("unmarshalling result: %w", err)
	}
	return &r, true, nil
}

// Clear removes progress and result of a file.
func (s *Store) Clear(ctx context.Context, fileID string) error {
	return s.client.Del(ctx, s.key("progress", fileID), s.key("result", fileID)).Err()
}

// Lease is exclusive permission to process one file.
type Lease struct {
	store *Store
	key   string
	token string
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// AcquireLease takes the lease of a file or fails with a *LeaseHeldError.
func (s *Store) AcquireLease(ctx context.Context, fileID string) (*Lease, error) {
	l := &Lease{store: s, key: s.key("lease", fileID), token: uuid.NewString()}
	ok, err := s.client.SetNX(ctx, l.key, l.token, s.cfg.LeaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease: %w", err)
	}
	if ok {
		return l, nil
	}

	held := &LeaseHeldError{FileID: fileID, Remaining: s.cfg.LeaseTTL}
	// A negative PTTL means the key vanished in between; retry soon.
	if ttl, err := s.client.PTTL(ctx, l.key).Result(); err == nil {
		held.Remaining = max(ttl, 0)
	}
	return nil, held
}

// Extend resets the lease TTL. It fails with ErrLeaseHeld when the lease
// expired and was taken by someone else.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.store.client, []string{l.key}, l.token, l.store.cfg.LeaseTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// Release gives the lease up if it is still owned.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.store.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
