package ssh

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool caches one connected client per user@host:port.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*SSHClient
	dial    func(*Config) (*SSHClient, error)
}

// NewPool creates an empty client pool.
func NewPool() *Pool {
	return &Pool{
		clients: make(map[string]*SSHClient),
		dial:    NewSSHClient,
	}
}

func poolKey(config *Config) string {
	return config.User + "@" + config.Address()
}

// Get returns a connected client for config, reconnecting a stale one.
func (p *Pool) Get(ctx context.Context, config *Config) (*SSHClient, error) {
	key := poolKey(config)

	p.mu.Lock()
	client, ok := p.clients[key]
	if !ok {
		var err error
		client, err = p.dial(config)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.clients[key] = client
	}
	p.mu.Unlock()

	// Connect is a no-op on a live connection.
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Evict drops and closes the cached client for config, if any.
func (p *Pool) Evict(config *Config) {
	key := poolKey(config)

	p.mu.Lock()
	client, ok := p.clients[key]
	delete(p.clients, key)
	p.mu.Unlock()

	if ok {
		if err := client.Disconnect(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to close evicted SSH client")
		}
	}
}

// Len returns the number of cached clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close disconnects every cached client.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*SSHClient)
	p.mu.Unlock()

	for key, client := range clients {
		if err := client.Disconnect(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to close SSH client")
		}
	}
	return nil
}
