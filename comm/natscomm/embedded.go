package natscomm

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

var ErrServerNotReady = errors.New("embedded nats server not ready")

// StartEmbedded starts an in-process NATS server for single-host runs.
// A nil opts listens on a random loopback port. Callers own the returned
// server and must Shutdown it.
func StartEmbedded(opts *server.Options, timeout time.Duration) (*server.Server, error) {
	if opts == nil {
		opts = &server.Options{
			ServerName: "romsvd",
			Host:       "127.0.0.1",
			Port:       server.RANDOM_PORT,
			NoLog:      true,
			NoSigs:     true,
			MaxPayload: 8 * 1024 * 1024,
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return nil, ErrServerNotReady
	}
	return ns, nil
}
