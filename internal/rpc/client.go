package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmd/internal/engine"
	"llmd/pkg/types"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProgress installs an observer for host-pushed loading progress.
func WithProgress(fn engine.ProgressFunc) ClientOption {
	return func(c *Client) { c.progress = fn }
}

// WithMultiListener marks the channel as shared with other listeners.
// Replies whose correlation id matches no pending request are then ignored
// instead of counted as protocol violations.
func WithMultiListener() ClientOption {
	return func(c *Client) { c.multiListener = true }
}

// WithHeartbeat enables the advisory liveness probe at the given interval.
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(c *Client) { c.hbInterval = interval }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// Client is the caller-side proxy over a channel. Every request inserts a
// fresh correlation id into the pending table before sending and removes it
// on the terminal reply, so a reply can never race its own registration.
//
// The client remembers the last successful Reload arguments; when the host
// is detected to have restarted with an empty registry, the next request
// transparently re-issues that Reload first.
type Client struct {
	ch  Channel
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Envelope

	progress      engine.ProgressFunc
	multiListener bool
	hbInterval    time.Duration

	lastIDs  []string
	lastOpts []*types.GenerationConfig

	needReload atomic.Bool
	hbMisses   atomic.Int32
	protoViol  atomic.Uint64

	closed  chan struct{}
	closeMu sync.Once
}

// NewClient starts a client on ch. Close releases its goroutines.
func NewClient(ch Channel, opts ...ClientOption) *Client {
	c := &Client{
		ch:      ch,
		log:     zerolog.Nop(),
		pending: make(map[string]chan Envelope),
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.recvLoop()
	if c.hbInterval > 0 {
		go c.heartbeatLoop()
	}
	return c
}

// Close stops the client's goroutines and closes the channel.
func (c *Client) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return c.ch.Close()
}

func (c *Client) recvLoop() {
	for {
		env, err := c.ch.Recv()
		if err != nil {
			return
		}
		switch env.Kind {
		case KindProgress:
			if c.progress != nil {
				var r engine.ProgressReport
				if json.Unmarshal(env.Payload, &r) == nil {
					c.progress(r)
				}
			}
		case KindReturn, KindThrow:
			c.mu.Lock()
			waiter := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if waiter == nil {
				if !c.multiListener {
					c.protoViol.Add(1)
					c.log.Error().Str("id", env.ID).Msg("reply with unknown correlation id")
				}
				continue
			}
			waiter <- env
		default:
			c.protoViol.Add(1)
			c.log.Error().Str("kind", env.Kind).Msg("unexpected message kind from host")
		}
	}
}

// ProtocolViolations counts replies that matched no pending request plus
// unexpected message kinds.
func (c *Client) ProtocolViolations() uint64 { return c.protoViol.Load() }

// call sends one request and blocks for its reply.
func (c *Client) call(ctx context.Context, kind string, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	waiter := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[id] = waiter
	c.mu.Unlock()

	if err := c.ch.Send(Envelope{Kind: kind, ID: id, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	select {
	case env := <-waiter:
		if env.Kind == KindThrow {
			var t ThrowPayload
			if json.Unmarshal(env.Payload, &t) != nil {
				return &ProtocolError{Msg: "unreadable throw payload"}
			}
			return errFromThrow(t)
		}
		if out != nil {
			if err := json.Unmarshal(env.Payload, out); err != nil {
				return &ProtocolError{Msg: "unreadable return payload: " + err.Error()}
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.closed:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ErrChannelClosed
	}
}

// maybeResurrect re-issues the last Reload when a host restart was detected.
func (c *Client) maybeResurrect(ctx context.Context) error {
	if !c.needReload.Load() {
		return nil
	}
	c.mu.Lock()
	ids := append([]string(nil), c.lastIDs...)
	opts := c.lastOpts
	c.mu.Unlock()
	if len(ids) == 0 {
		c.needReload.Store(false)
		return nil
	}
	c.log.Info().Strs("models", ids).Msg("host restarted, reloading models")
	if err := c.call(ctx, KindReload, ReloadRequest{ModelIDs: ids, Opts: opts}, nil); err != nil {
		return err
	}
	c.needReload.Store(false)
	return nil
}

// retryable wraps an engine-touching call: a no-model-loaded failure while
// models are expected marks the host restarted and retries once.
func (c *Client) retryable(ctx context.Context, fn func() error) error {
	if err := c.maybeResurrect(ctx); err != nil {
		return err
	}
	err := fn()
	if err == nil || !engine.IsNoModelLoaded(err) {
		return err
	}
	c.mu.Lock()
	expected := len(c.lastIDs) > 0
	c.mu.Unlock()
	if !expected {
		return err
	}
	c.needReload.Store(true)
	if rerr := c.maybeResurrect(ctx); rerr != nil {
		return rerr
	}
	return fn()
}

// Reload converges the host's loaded models and records the arguments for
// restart recovery.
func (c *Client) Reload(ctx context.Context, ids []string, opts []*types.GenerationConfig) error {
	if err := c.call(ctx, KindReload, ReloadRequest{ModelIDs: ids, Opts: opts}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastIDs = append([]string(nil), ids...)
	c.lastOpts = opts
	c.mu.Unlock()
	c.needReload.Store(false)
	return nil
}

// Unload tears down one model, or all when id is empty.
func (c *Client) Unload(id string) error {
	err := c.call(context.Background(), KindUnload, UnloadRequest{ModelID: id}, nil)
	if err == nil && id == "" {
		c.mu.Lock()
		c.lastIDs = nil
		c.lastOpts = nil
		c.mu.Unlock()
	}
	return err
}

func (c *Client) ChatCompletion(ctx context.Context, req *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	var resp types.ChatCompletionResponse
	err := c.retryable(ctx, func() error { return c.call(ctx, KindChatCompletion, req, &resp) })
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ChatCompletionStream(ctx context.Context, req *types.ChatCompletionRequest) (*StreamClient, error) {
	var handle StreamHandle
	err := c.retryable(ctx, func() error { return c.call(ctx, KindChatStreamInit, req, &handle) })
	if err != nil {
		return nil, err
	}
	return &StreamClient{c: c, id: handle.StreamID}, nil
}

func (c *Client) Completion(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	var resp types.CompletionResponse
	err := c.retryable(ctx, func() error { return c.call(ctx, KindCompletion, req, &resp) })
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CompletionStream(ctx context.Context, req *types.CompletionRequest) (*StreamClient, error) {
	var handle StreamHandle
	err := c.retryable(ctx, func() error { return c.call(ctx, KindCompletionStreamInit, req, &handle) })
	if err != nil {
		return nil, err
	}
	return &StreamClient{c: c, id: handle.StreamID}, nil
}

func (c *Client) Embedding(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	var resp types.EmbeddingResponse
	err := c.retryable(ctx, func() error { return c.call(ctx, KindEmbedding, req, &resp) })
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) InterruptGenerate(modelID string) error {
	return c.call(context.Background(), KindInterrupt, ModelRequest{ModelID: modelID}, nil)
}

func (c *Client) ResetChat(ctx context.Context, modelID string) error {
	return c.call(ctx, KindResetChat, ModelRequest{ModelID: modelID}, nil)
}

func (c *Client) GetMessage(modelID string) (string, error) {
	var reply TextReply
	err := c.call(context.Background(), KindGetMessage, ModelRequest{ModelID: modelID}, &reply)
	return reply.Text, err
}

func (c *Client) RuntimeStatsText(modelID string) (string, error) {
	var reply TextReply
	err := c.call(context.Background(), KindRuntimeStats, ModelRequest{ModelID: modelID}, &reply)
	return reply.Text, err
}

func (c *Client) SetConfig(modelID string, cfg *types.GenerationConfig) error {
	return c.call(context.Background(), KindSetConfig, SetConfigRequest{ModelID: modelID, Config: cfg}, nil)
}

func (c *Client) Status() types.StatusResponse {
	var resp types.StatusResponse
	if err := c.call(context.Background(), KindStatus, struct{}{}, &resp); err != nil {
		resp.State = "unreachable"
		resp.LastError = err.Error()
	}
	return resp
}

func (c *Client) ListModels() []types.ModelRecord {
	var out []types.ModelRecord
	c.call(context.Background(), KindListModels, struct{}{}, &out)
	return out
}

func (c *Client) LoadedModelIDs() []string {
	var reply HeartbeatReply
	if err := c.call(context.Background(), KindKeepAlive, struct{}{}, &reply); err != nil {
		return nil
	}
	return reply.Loaded
}

func (c *Client) Ready() bool { return len(c.LoadedModelIDs()) > 0 }

// HeartbeatMisses returns the consecutive missed-probe count. Advisory only;
// the host may simply be busy with a long load.
func (c *Client) HeartbeatMisses() int { return int(c.hbMisses.Load()) }

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.hbInterval)
		var reply HeartbeatReply
		err := c.call(ctx, KindHeartbeat, struct{}{}, &reply)
		cancel()
		if err != nil {
			n := c.hbMisses.Add(1)
			c.log.Warn().Int32("misses", n).Msg("heartbeat missed")
			continue
		}
		c.hbMisses.Store(0)
		c.checkResync(reply.Loaded)
	}
}

// checkResync flags a restart when an expected model is no longer loaded.
func (c *Client) checkResync(loaded []string) {
	c.mu.Lock()
	expected := append([]string(nil), c.lastIDs...)
	c.mu.Unlock()
	if len(expected) == 0 {
		return
	}
	have := make(map[string]bool, len(loaded))
	for _, id := range loaded {
		have[id] = true
	}
	for _, id := range expected {
		if !have[id] {
			c.needReload.Store(true)
			return
		}
	}
}

// StreamClient is the caller-side handle of a host stream. Each Next is one
// pull request over the channel.
type StreamClient struct {
	c    *Client
	id   string
	done bool
}

// Next pulls the next chunk. io.EOF after the host reports stream end.
func (s *StreamClient) Next(ctx context.Context) (*types.ChatCompletionChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	var reply StreamChunk
	if err := s.c.call(ctx, KindStreamNext, StreamNextRequest{StreamID: s.id}, &reply); err != nil {
		s.done = true
		return nil, err
	}
	if reply.Done {
		s.done = true
		return nil, io.EOF
	}
	return reply.Chunk, nil
}

// Close releases the host-side stream early.
func (s *StreamClient) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.c.call(context.Background(), KindStreamClose, StreamNextRequest{StreamID: s.id}, nil)
}

// errFromThrow rebuilds a typed error from the wire taxonomy so callers keep
// using the same predicates on both transports.
func errFromThrow(t ThrowPayload) error {
	switch t.ErrKind {
	case ErrKindModelNotFound:
		return engine.ErrModelNotFound(strings.TrimPrefix(t.Message, "model not found: "))
	case ErrKindNoModelLoaded:
		return engine.ErrNoModelLoaded()
	case ErrKindAmbiguous:
		list := strings.TrimPrefix(t.Message, "ambiguous model selection, specify one of: ")
		return engine.ErrAmbiguousModel(strings.Split(list, ", "))
	case ErrKindTooBusy:
		return engine.ErrTooBusy(strings.TrimPrefix(t.Message, "too busy: "))
	case ErrKindConfig:
		return engine.ErrConfig(strings.TrimPrefix(t.Message, "invalid config: "))
	case ErrKindUnsupported:
		return engine.ErrUnsupportedModel(strings.TrimPrefix(t.Message, "unsupported model: "))
	case ErrKindProtocol:
		return &ProtocolError{Msg: strings.TrimPrefix(t.Message, "rpc protocol: ")}
	default:
		return errors.New(t.Message)
	}
}
