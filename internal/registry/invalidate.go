package registry

import (
	"strings"

	"fleetmon/internal/config"

	"github.com/nats-io/nats.go"
)

// Invalidator receives cache invalidation notices.
// Params: kind and entry ID extracted from the notice subject.
// Returns: cache mutation behavior.
type Invalidator interface {
	Invalidate(kind, id string)
}

// InvalidateConsumer subscribes to config-change notices and drops cache
// entries. Every instance subscribes plainly; invalidation is a broadcast,
// not a work queue.
// Params: NATS connection and subscription handle.
// Returns: consumer lifecycle handle.
type InvalidateConsumer struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewInvalidateConsumer connects and starts the invalidation subscription.
// Subjects look like fleetmon.config.invalidate.<kind>.<id>; a missing ID
// clears the whole kind.
// Params: registry settings with subject, and NATS URLs; target cache.
// Returns: running consumer or setup error.
func NewInvalidateConsumer(urls []string, cfg config.RegistryConfig, target Invalidator) (*InvalidateConsumer, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(cfg.InvalidateSubject, ">")
	sub, err := nc.Subscribe(cfg.InvalidateSubject, func(message *nats.Msg) {
		kind, id := splitInvalidateSubject(prefix, message.Subject)
		if kind == "" {
			return
		}
		target.Invalidate(kind, id)
	})
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &InvalidateConsumer{nc: nc, sub: sub}, nil
}

// Close drains the subscription and closes the NATS connection.
// Params: none.
// Returns: close error when drain fails.
func (c *InvalidateConsumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	c.nc.Close()
	return nil
}

// splitInvalidateSubject extracts kind and optional ID from a notice subject.
// Params: subject prefix up to the wildcard and the full subject.
// Returns: kind and ID; empty kind on mismatch.
func splitInvalidateSubject(prefix, subject string) (string, string) {
	if !strings.HasPrefix(subject, prefix) {
		return "", ""
	}
	rest := strings.TrimPrefix(subject, prefix)
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
