package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const etcdAddr = "127.0.0.1:2379"

func etcdRegistry(t *testing.T) *EtcdRegistry {
	conn, err := net.DialTimeout("tcp", etcdAddr, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", etcdAddr, err)
	}
	conn.Close()

	reg, err := NewEtcdRegistry([]string{etcdAddr}, 2*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const service = "uscope-driver-test"
	inst1 := ServiceInstance{Addr: "127.0.0.1:6001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:6002", Weight: 5, Version: "1.0"}

	require.NoError(t, reg.Register(ctx, service, inst1, 10))
	require.NoError(t, reg.Register(ctx, service, inst2, 10))

	instances, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	require.NoError(t, reg.Deregister(ctx, service, inst1.Addr))

	instances, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, inst2.Addr, instances[0].Addr)

	require.NoError(t, reg.Deregister(ctx, service, inst2.Addr))
	_, err = reg.Discover(ctx, service)
	require.True(t, errors.Is(err, ErrNoInstances))
}
