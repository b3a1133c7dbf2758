// Package queue runs durable job queues on NATS JetStream with explicit
// acknowledgement, heartbeats for long jobs and per-queue retry tuning.
package queue

import (
	"fmt"
	"time"
)

// Queue names.
const (
	Indexing  = "indexing"
	Reconcile = "reconcile"
	Cleanup   = "cleanup"
)

// DefaultStream is the JetStream stream holding every queue.
const DefaultStream = "INGESTD_JOBS"

// QueueConfig tunes one queue.
type QueueConfig struct {
	Name    string
	Subject string
	// AckWait is how long a delivery may stay unacknowledged before
	// redelivery. Heartbeats are sent at a third of it.
	AckWait    time.Duration
	MaxDeliver int
	// Concurrency is the number of jobs processed at once per worker.
	Concurrency int
	// NakDelay is the redelivery delay after a retryable failure.
	NakDelay time.Duration
}

// Validate checks the queue settings.
func (q QueueConfig) Validate() error {
	switch {
	case q.Name == "":
		return fmt.Errorf("queue name is required")
	case q.Subject == "":
		return fmt.Errorf("queue %s: subject is required", q.Name)
	case q.AckWait <= 0:
		return fmt.Errorf("queue %s: ack wait must be positive", q.Name)
	case q.MaxDeliver <= 0:
		return fmt.Errorf("queue %s: max deliver must be positive", q.Name)
	case q.Concurrency <= 0:
		return fmt.Errorf("queue %s: concurrency must be positive", q.Name)
	}
	return nil
}

// durable is the consumer name for the queue.
func (q QueueConfig) durable() string {
	return "ingestd-" + q.Name
}

// DefaultQueues returns the indexing, reconcile and cleanup queues.
func DefaultQueues() map[string]QueueConfig {
	return map[string]QueueConfig{
		Indexing: {
			Name:        Indexing,
			Subject:     "ingestd.jobs.indexing",
			AckWait:     30 * time.Minute,
			MaxDeliver:  10,
			Concurrency: 4,
			NakDelay:    30 * time.Second,
		},
		Reconcile: {
			Name:        Reconcile,
			Subject:     "ingestd.jobs.reconcile",
			AckWait:     2 * time.Minute,
			MaxDeliver:  3,
			Concurrency: 1,
			NakDelay:    10 * time.Second,
		},
		Cleanup: {
			Name:        Cleanup,
			Subject:     "ingestd.jobs.cleanup",
			AckWait:     2 * time.Minute,
			MaxDeliver:  3,
			Concurrency: 1,
			NakDelay:    10 * time.Second,
		},
	}
}

// Config configures the broker connection.
type Config struct {
	URL    string
	Stream string
	// FetchWait bounds one pull request. Default: 5s
	FetchWait time.Duration
	Queues    map[string]QueueConfig
}

// ApplyDefaults sets default values for unset fields. Queues missing from
// Queues get their defaults; partially set queues keep their values.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = "nats://localhost:4222"
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	if c.Queues == nil {
		c.Queues = make(map[string]QueueConfig)
	}
	for name, def := range DefaultQueues() {
		q, ok := c.Queues[name]
		if !ok {
			c.Queues[name] = def
			continue
		}
		if q.Name == "" {
			q.Name = def.Name
		}
		if q.Subject == "" {
			q.Subject = def.Subject
		}
		if q.AckWait <= 0 {
			q.AckWait = def.AckWait
		}
		if q.MaxDeliver <= 0 {
			q.MaxDeliver = def.MaxDeliver
		}
		if q.Concurrency <= 0 {
			q.Concurrency = def.Concurrency
		}
		if q.NakDelay <= 0 {
			q.NakDelay = def.NakDelay
		}
		c.Queues[name] = q
	}
}
