package redisstream

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/velmie/durable"
)

// delivery implements durable.Delivery for one stream entry.
type delivery struct {
	client redis.UniversalClient
	stream string
	group  string
	id     string
	env    *durable.Envelope

	once sync.Once
}

func (d *delivery) Envelope() *durable.Envelope {
	return d.env
}

// Ack removes the entry from the pending list. Only the first call reaches Redis.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.client.XAck(context.WithoutCancel(ctx), d.stream, d.group, d.id).Err()
	})
	if err != nil {
		return transportError(d.stream, err)
	}

	return nil
}

// Nack leaves the entry pending; the claim loop redelivers it after ClaimMinIdle.
func (d *delivery) Nack(context.Context, error) error {
	return nil
}
