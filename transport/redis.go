package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ar-nelson/osmosis/ids"
)

// envelope is the wire shape of one RPC call or response, published as
// JSON on a per-peer Redis channel.
type envelope struct {
	RequestID string      `json:"requestId"`
	From      ids.Uuid    `json:"from"`
	Method    string      `json:"method,omitempty"`
	Args      interface{} `json:"args,omitempty"`
	IsReply   bool        `json:"isReply"`
	Result    interface{} `json:"result,omitempty"`
	ErrCode   int         `json:"errCode,omitempty"`
	ErrMsg    string      `json:"errMsg,omitempty"`
}

// Redis implements Transport over a shared go-redis client, using one
// channel per peer for inbound calls and one reply channel per peer
// for responses.
type Redis struct {
	client *redis.Client
	self   ids.Uuid

	mu       sync.Mutex
	handler  Handler
	waiting  map[string]chan envelope
	events   chan Event
	sub      *redis.PubSub
	closed   bool
	cancelFn context.CancelFunc
}

func callChannel(peer ids.Uuid) string  { return "osmosis:rpc:" + peer.String() }
func replyChannel(peer ids.Uuid) string { return "osmosis:rpc-reply:" + peer.String() }

// NewRedisTransport subscribes self's call and reply channels on
// client and returns the running Transport. The caller is responsible
// for giving every peer's Uuid to the others out of band; there is no
// pairing handshake at this layer.
func NewRedisTransport(ctx context.Context, client *redis.Client, self ids.Uuid) (*Redis, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("transport: connecting to redis: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	sub := client.Subscribe(runCtx, callChannel(self), replyChannel(self))

	r := &Redis{
		client:   client,
		self:     self,
		waiting:  make(map[string]chan envelope),
		events:   make(chan Event, 64),
		sub:      sub,
		cancelFn: cancelRun,
	}
	go r.loop(runCtx)
	return r, nil
}

func (r *Redis) loop(ctx context.Context) {
	ch := r.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.IsReply {
				r.deliverReply(env)
			} else {
				go r.handleCall(ctx, env)
			}
		}
	}
}

func (r *Redis) deliverReply(env envelope) {
	r.mu.Lock()
	ch, ok := r.waiting[env.RequestID]
	if ok {
		delete(r.waiting, env.RequestID)
	}
	r.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (r *Redis) handleCall(ctx context.Context, env envelope) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return
	}

	result, err := h(ctx, env.From, env.Method, env.Args)
	reply := envelope{RequestID: env.RequestID, From: r.self, IsReply: true, Result: result}
	if err != nil {
		reply.ErrMsg = err.Error()
		if rpcErr, ok := err.(*RPCError); ok {
			reply.ErrCode = rpcErr.Code
		}
	}
	data, merr := json.Marshal(reply)
	if merr != nil {
		return
	}
	r.client.Publish(ctx, replyChannel(env.From), data)
}

func (r *Redis) CallMethod(ctx context.Context, peerID ids.Uuid, method string, args interface{}, fireAndForget bool) (interface{}, error) {
	requestID := ids.NewUuid().String()
	env := envelope{RequestID: requestID, From: r.self, Method: method, Args: args}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding call: %w", err)
	}

	if fireAndForget {
		return nil, r.client.Publish(ctx, callChannel(peerID), data).Err()
	}

	replyCh := make(chan envelope, 1)
	r.mu.Lock()
	r.waiting[requestID] = replyCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiting, requestID)
		r.mu.Unlock()
	}()

	if err := r.client.Publish(ctx, callChannel(peerID), data).Err(); err != nil {
		return nil, fmt.Errorf("transport: publishing call: %w", err)
	}

	select {
	case reply := <-replyCh:
		if reply.ErrMsg != "" {
			if reply.ErrCode != 0 {
				return nil, &RPCError{Code: reply.ErrCode, Message: reply.ErrMsg}
			}
			return nil, fmt.Errorf("transport: remote error: %s", reply.ErrMsg)
		}
		return reply.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Redis) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *Redis) Events() <-chan Event { return r.events }

func (r *Redis) Peers() []ids.Uuid {
	// Redis pub/sub has no membership list; peers are discovered out
	// of band and reached directly by Uuid.
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	r.cancelFn()
	return r.sub.Close()
}
