package transport

import (
	"context"
	"testing"
	"time"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCallMethodRoundTrip(t *testing.T) {
	a := NewMemoryTransport(ids.NewUuid())
	defer a.Close()
	b := NewMemoryTransport(ids.NewUuid())
	defer b.Close()

	b.SetHandler(func(ctx context.Context, from ids.Uuid, method string, args interface{}) (interface{}, error) {
		assert.Equal(t, "stateSummary", method)
		return "pong", nil
	})

	result, err := a.CallMethod(context.Background(), b.self, "stateSummary", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestMemoryCallMethodUnknownPeer(t *testing.T) {
	a := NewMemoryTransport(ids.NewUuid())
	defer a.Close()
	_, err := a.CallMethod(context.Background(), ids.NewUuid(), "ping", nil, false)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestMemoryFireAndForgetDoesNotBlock(t *testing.T) {
	a := NewMemoryTransport(ids.NewUuid())
	defer a.Close()
	b := NewMemoryTransport(ids.NewUuid())
	defer b.Close()

	done := make(chan struct{})
	b.SetHandler(func(ctx context.Context, from ids.Uuid, method string, args interface{}) (interface{}, error) {
		close(done)
		return nil, nil
	})

	_, err := a.CallMethod(context.Background(), b.self, "liveUpdate", nil, true)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestMemoryPeerErrorPropagatesRPCCode(t *testing.T) {
	a := NewMemoryTransport(ids.NewUuid())
	defer a.Close()
	b := NewMemoryTransport(ids.NewUuid())
	defer b.Close()

	b.SetHandler(func(ctx context.Context, from ids.Uuid, method string, args interface{}) (interface{}, error) {
		return nil, &RPCError{Code: 101, Message: "busy with session update"}
	})

	_, err := a.CallMethod(context.Background(), b.self, "liveUpdate", nil, false)
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 101, rpcErr.Code)
}

func TestMemoryPeersListsOtherTransports(t *testing.T) {
	a := NewMemoryTransport(ids.NewUuid())
	defer a.Close()
	b := NewMemoryTransport(ids.NewUuid())
	defer b.Close()

	peersOfA := a.Peers()
	require.Len(t, peersOfA, 1)
	assert.Equal(t, b.self, peersOfA[0])
}

// Redis-backed transport requires a live server; exercised in
// integration environments only.
func TestRedisTransportRequiresLiveServer(t *testing.T) {
	t.Skip("requires a reachable Redis server; exercised in integration environments")
}
