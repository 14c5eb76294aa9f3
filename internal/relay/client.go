package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pacerlabs/stride/internal/record"
)

var (
	// ErrEmptyPool indicates a pool was constructed without clients.
	ErrEmptyPool = errors.New("relay: at least one relay client is required")
	// ErrDuplicateRelay indicates two pool clients share a URL.
	ErrDuplicateRelay = errors.New("relay: duplicate relay url")
)

// Client is the transport capability for one relay endpoint. The wire
// protocol itself is an external collaborator; implementations must
// honor context cancellation and close the Subscribe channel once the
// context is done or the relay hangs up.
type Client interface {
	URL() string
	Publish(ctx context.Context, rec record.Record) error
	Subscribe(ctx context.Context, filter record.Filter) (<-chan record.Record, error)
}

// Pool is an explicit, immutable set of relay clients. It replaces the
// process-wide connection manager of earlier designs: construct once,
// pass into the engine, close on shutdown.
type Pool struct {
	clients []Client
}

// NewPool validates the client set and returns a Pool.
func NewPool(clients ...Client) (*Pool, error) {
	if len(clients) == 0 {
		return nil, ErrEmptyPool
	}
	seen := make(map[string]struct{}, len(clients))
	for _, client := range clients {
		url := client.URL()
		if _, ok := seen[url]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRelay, url)
		}
		seen[url] = struct{}{}
	}
	copied := make([]Client, len(clients))
	copy(copied, clients)
	return &Pool{clients: copied}, nil
}

// Clients returns a copy of the client set.
func (p *Pool) Clients() []Client {
	copied := make([]Client, len(p.clients))
	copy(copied, p.clients)
	return copied
}

// Size returns the number of relays in the pool.
func (p *Pool) Size() int {
	return len(p.clients)
}

// Close shuts down every client that owns resources.
func (p *Pool) Close() error {
	var errs []error
	for _, client := range p.clients {
		if closer, ok := client.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", client.URL(), err))
			}
		}
	}
	return errors.Join(errs...)
}
