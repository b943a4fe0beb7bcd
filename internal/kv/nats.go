package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS is a Store backed by a JetStream key-value bucket. The bucket's TTL
// enforces key expiry server-side.
type NATS struct {
	kv jetstream.KeyValue
}

// OpenBucket connects the bucket, creating it with the given TTL if needed.
func OpenBucket(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NATS, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}

	return &NATS{kv: kv}, nil
}

func (n *NATS) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	_, err := n.kv.Create(ctx, key, []byte(value))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (n *NATS) Get(ctx context.Context, key string) (string, error) {
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(entry.Value()), nil
}

func (n *NATS) Delete(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}
