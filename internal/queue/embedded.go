package queue

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedConfig configures an in-process NATS server.
type EmbeddedConfig struct {
	Host string
	// Port -1 picks a random free port.
	Port     int
	StoreDir string
}

// StartEmbedded runs a JetStream-enabled NATS server in this process. It is
// used by single-binary development mode and by tests.
func StartEmbedded(cfg EmbeddedConfig) (*natsserver.Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = -1
	}
	opts := &natsserver.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
	}

	server, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}
	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		server.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return server, nil
}
