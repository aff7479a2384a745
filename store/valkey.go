package store

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore is the remote backend. Every key is namespaced with prefix so Clear only
// touches entries owned by this store.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

func NewValkeyStore(client valkey.Client, prefix string) *ValkeyStore {
	return &ValkeyStore{client: client, prefix: prefix}
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	valkeyResponse := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+key).Build())
	if err := valkeyResponse.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	value, err := valkeyResponse.AsBytes()
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.client.Do(
			ctx, s.client.B().Set().
				Key(s.prefix+key).
				Value(valkey.BinaryString(value)).
				Build(),
		).Error()
	}
	return s.client.Do(
		ctx, s.client.B().Set().
			Key(s.prefix+key).
			Value(valkey.BinaryString(value)).
			Px(ttl).
			Build(),
	).Error()
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(s.prefix+key).Build()).Error()
}

// Clear walks the keyspace with SCAN so the server is never blocked by a KEYS call.
func (s *ValkeyStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		entry, err := s.client.Do(
			ctx, s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			return err
		}

		if len(entry.Elements) > 0 {
			if err := s.client.Do(ctx, s.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return err
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Close is a no-op; the client is owned by whoever created it.
func (s *ValkeyStore) Close() error {
	return nil
}
