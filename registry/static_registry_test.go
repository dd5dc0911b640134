package registry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry()

	_, err := reg.Discover(ctx, DefaultService)
	assert.True(t, errors.Is(err, ErrNoInstances))

	require.NoError(t, reg.Register(ctx, DefaultService, ServiceInstance{Addr: "127.0.0.1:6666", Weight: 1}, 0))
	require.NoError(t, reg.Register(ctx, DefaultService, ServiceInstance{Addr: "127.0.0.1:6667", Weight: 1}, 0))
	// registering the same address again replaces it
	require.NoError(t, reg.Register(ctx, DefaultService, ServiceInstance{Addr: "127.0.0.1:6666", Weight: 7}, 0))

	instances, err := reg.Discover(ctx, DefaultService)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, 7, instances[0].Weight)

	require.NoError(t, reg.Deregister(ctx, DefaultService, "127.0.0.1:6666"))
	instances, err = reg.Discover(ctx, DefaultService)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "127.0.0.1:6667", instances[0].Addr)
}

func TestStaticRegistryDiscoverReturnsCopy(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry()
	require.NoError(t, reg.Register(ctx, DefaultService, ServiceInstance{Addr: "a"}, 0))

	instances, _ := reg.Discover(ctx, DefaultService)
	instances[0].Addr = "mutated"

	again, _ := reg.Discover(ctx, DefaultService)
	assert.Equal(t, "a", again[0].Addr)
}

func TestStaticRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStaticRegistry()
	ch := reg.Watch(ctx, DefaultService)

	require.NoError(t, reg.Register(ctx, DefaultService, ServiceInstance{Addr: "a"}, 0))
	require.NoError(t, reg.Register(ctx, DefaultService, ServiceInstance{Addr: "b"}, 0))

	select {
	case instances := <-ch:
		assert.Len(t, instances, 2)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
