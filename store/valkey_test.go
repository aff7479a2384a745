package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

func TestValkeyStore(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		t.Run("hit", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			s := NewValkeyStore(mockClient, "cachemon:")
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("GET", "cachemon:key")).
				Return(valkeymock.Result(valkeymock.ValkeyBlobString("value")))

			value, found, err := s.Get(ctx, "key")
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("value"), value)
		})

		t.Run("nil reply is a miss", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			s := NewValkeyStore(mockClient, "cachemon:")
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("GET", "cachemon:key")).
				Return(valkeymock.Result(valkeymock.ValkeyNil()))

			value, found, err := s.Get(ctx, "key")
			assert.NoError(t, err)
			assert.False(t, found)
			assert.Nil(t, value)
		})

		t.Run("error", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			s := NewValkeyStore(mockClient, "cachemon:")
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("GET", "cachemon:key")).
				Return(valkeymock.ErrorResult(errors.New("connection refused")))

			_, found, err := s.Get(ctx, "key")
			assert.Error(t, err)
			assert.False(t, found)
		})
	})

	t.Run("Set with ttl", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		s := NewValkeyStore(mockClient, "cachemon:")
		ctx := context.Background()

		mockClient.EXPECT().
			Do(ctx, valkeymock.Match("SET", "cachemon:key", "value", "PX", "1500")).
			Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

		assert.NoError(t, s.Set(ctx, "key", []byte("value"), 1500*time.Millisecond))
	})

	t.Run("Set without ttl", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		s := NewValkeyStore(mockClient, "cachemon:")
		ctx := context.Background()

		mockClient.EXPECT().
			Do(ctx, valkeymock.Match("SET", "cachemon:key", "value")).
			Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

		assert.NoError(t, s.Set(ctx, "key", []byte("value"), 0))
	})

	t.Run("Delete", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		s := NewValkeyStore(mockClient, "cachemon:")
		ctx := context.Background()

		mockClient.EXPECT().
			Do(ctx, valkeymock.Match("DEL", "cachemon:key")).
			Return(valkeymock.Result(valkeymock.ValkeyInt64(1)))

		assert.NoError(t, s.Delete(ctx, "key"))
	})

	t.Run("Clear scans prefixed keys", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		s := NewValkeyStore(mockClient, "cachemon:")
		ctx := context.Background()

		gomock.InOrder(
			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("SCAN", "0", "MATCH", "cachemon:*", "COUNT", "100")).
				Return(valkeymock.Result(valkeymock.ValkeyArray(
					valkeymock.ValkeyBlobString("0"),
					valkeymock.ValkeyArray(
						valkeymock.ValkeyBlobString("cachemon:a"),
						valkeymock.ValkeyBlobString("cachemon:b"),
					),
				))),
			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("DEL", "cachemon:a", "cachemon:b")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(2))),
		)

		assert.NoError(t, s.Clear(ctx))
	})
}
