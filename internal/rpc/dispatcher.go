package rpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmd/internal/backend"
	"llmd/internal/engine"
	"llmd/pkg/types"
)

// producer is one live stream on the host side.
type producer struct {
	mu      sync.Mutex
	modelID string
	stream  *engine.Stream
}

// Dispatcher runs on the engine host side of a channel. It decodes request
// envelopes, invokes the engine, and replies with return or throw envelopes
// carrying the request's correlation id.
//
// Streams are held in a generator registry keyed by stream id, with at most
// one live stream per model: a new stream-init for a model whose previous
// stream was never pulled to completion replaces it rather than queueing
// behind it.
type Dispatcher struct {
	mu      sync.RWMutex
	eng     *engine.Engine
	streams map[string]*producer
	byModel map[string]string
	log     zerolog.Logger
}

// NewDispatcher wraps an engine for serving over a channel.
func NewDispatcher(eng *engine.Engine, log *zerolog.Logger) *Dispatcher {
	logger := zerolog.Nop()
	if log != nil {
		logger = *log
	}
	return &Dispatcher{
		eng:     eng,
		streams: make(map[string]*producer),
		byModel: make(map[string]string),
		log:     logger,
	}
}

// SetEngine swaps the engine, dropping every live stream. Used by the
// service host after a restart.
func (d *Dispatcher) SetEngine(eng *engine.Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.streams {
		p.stream.Close()
		delete(d.streams, id)
	}
	d.byModel = make(map[string]string)
	d.eng = eng
}

func (d *Dispatcher) engine() *engine.Engine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.eng
}

// ProgressFunc returns a progress observer that pushes reports over ch.
func (d *Dispatcher) ProgressFunc(ch Channel) engine.ProgressFunc {
	return func(r engine.ProgressReport) {
		payload, _ := json.Marshal(r)
		ch.Send(Envelope{Kind: KindProgress, ID: uuid.NewString(), Payload: payload})
	}
}

// Serve reads and dispatches envelopes until the channel closes or ctx is
// canceled. Each request runs in its own goroutine so a long decode pull
// never starves heartbeats.
func (d *Dispatcher) Serve(ctx context.Context, ch Channel) error {
	for {
		env, err := ch.Recv()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		go d.dispatch(ctx, ch, env)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ch Channel, env Envelope) {
	result, err := d.handle(ctx, env)
	if err != nil {
		d.throw(ch, env.ID, err)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		d.throw(ch, env.ID, err)
		return
	}
	ch.Send(Envelope{Kind: KindReturn, ID: env.ID, Payload: payload})
}

func (d *Dispatcher) handle(ctx context.Context, env Envelope) (any, error) {
	eng := d.engine()
	switch env.Kind {
	case KindReload:
		var req ReloadRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad reload payload: " + err.Error()}
		}
		return struct{}{}, eng.Reload(ctx, req.ModelIDs, req.Opts)

	case KindUnload:
		var req UnloadRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad unload payload: " + err.Error()}
		}
		return struct{}{}, eng.Unload(req.ModelID)

	case KindChatCompletion:
		var req types.ChatCompletionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad chat payload: " + err.Error()}
		}
		return eng.ChatCompletion(ctx, &req)

	case KindChatStreamInit:
		var req types.ChatCompletionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad chat payload: " + err.Error()}
		}
		// Replace, never queue behind, a live stream on the same model.
		d.closeExisting(req.Model)
		s, err := eng.ChatCompletionStream(ctx, &req)
		if err != nil {
			return nil, err
		}
		return d.register(req.Model, s), nil

	case KindCompletion:
		var req types.CompletionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad completion payload: " + err.Error()}
		}
		return eng.Completion(ctx, &req)

	case KindCompletionStreamInit:
		var req types.CompletionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad completion payload: " + err.Error()}
		}
		d.closeExisting(req.Model)
		s, err := eng.CompletionStream(ctx, &req)
		if err != nil {
			return nil, err
		}
		return d.register(req.Model, s), nil

	case KindStreamNext:
		var req StreamNextRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad stream-next payload: " + err.Error()}
		}
		return d.streamNext(ctx, req.StreamID)

	case KindStreamClose:
		var req StreamNextRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad stream-close payload: " + err.Error()}
		}
		d.mu.RLock()
		p := d.streams[req.StreamID]
		d.mu.RUnlock()
		if p != nil {
			p.mu.Lock()
			p.stream.Close()
			p.mu.Unlock()
			d.drop(req.StreamID)
		}
		return struct{}{}, nil

	case KindEmbedding:
		var req types.EmbeddingRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad embedding payload: " + err.Error()}
		}
		return eng.Embedding(ctx, &req)

	case KindInterrupt:
		var req ModelRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad interrupt payload: " + err.Error()}
		}
		return struct{}{}, eng.InterruptGenerate(req.ModelID)

	case KindResetChat:
		var req ModelRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad reset payload: " + err.Error()}
		}
		return struct{}{}, eng.ResetChat(ctx, req.ModelID)

	case KindGetMessage:
		var req ModelRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad get-message payload: " + err.Error()}
		}
		text, err := eng.GetMessage(req.ModelID)
		return TextReply{Text: text}, err

	case KindRuntimeStats:
		var req ModelRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad runtime-stats payload: " + err.Error()}
		}
		text, err := eng.RuntimeStatsText(req.ModelID)
		return TextReply{Text: text}, err

	case KindSetConfig:
		var req SetConfigRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, &ProtocolError{Msg: "bad set-config payload: " + err.Error()}
		}
		return struct{}{}, eng.SetConfig(req.ModelID, req.Config)

	case KindStatus:
		return eng.Status(), nil

	case KindListModels:
		return eng.ListModels(), nil

	case KindKeepAlive, KindHeartbeat:
		return HeartbeatReply{Loaded: eng.LoadedModelIDs()}, nil

	default:
		return nil, &ProtocolError{Msg: "unknown message kind: " + env.Kind}
	}
}

// closeExisting evicts the live stream for modelID, if any, so a new init
// does not queue behind its generation slot.
func (d *Dispatcher) closeExisting(modelID string) {
	d.mu.Lock()
	modelID = d.resolveModelLocked(modelID)
	var p *producer
	if prev, ok := d.byModel[modelID]; ok {
		p = d.streams[prev]
		delete(d.streams, prev)
		delete(d.byModel, modelID)
	}
	d.mu.Unlock()
	if p != nil {
		p.mu.Lock()
		p.stream.Close()
		p.mu.Unlock()
	}
}

// register installs a stream in the generator registry.
func (d *Dispatcher) register(modelID string, s *engine.Stream) StreamHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	modelID = d.resolveModelLocked(modelID)
	id := uuid.NewString()
	d.streams[id] = &producer{modelID: modelID, stream: s}
	d.byModel[modelID] = id
	return StreamHandle{StreamID: id, ModelID: modelID}
}

func (d *Dispatcher) resolveModelLocked(modelID string) string {
	if modelID == "" {
		ids := d.eng.LoadedModelIDs()
		if len(ids) == 1 {
			modelID = ids[0]
		}
	}
	return modelID
}

func (d *Dispatcher) streamNext(ctx context.Context, streamID string) (StreamChunk, error) {
	d.mu.RLock()
	p := d.streams[streamID]
	d.mu.RUnlock()
	if p == nil {
		return StreamChunk{}, &ProtocolError{Msg: "stream-next without a live stream: " + streamID}
	}
	p.mu.Lock()
	chunk, err := p.stream.Next(ctx)
	p.mu.Unlock()
	if err == io.EOF {
		d.drop(streamID)
		return StreamChunk{Done: true}, nil
	}
	if err != nil {
		d.drop(streamID)
		return StreamChunk{}, err
	}
	return StreamChunk{Chunk: chunk}, nil
}

func (d *Dispatcher) drop(streamID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.streams[streamID]; ok {
		delete(d.byModel, p.modelID)
		delete(d.streams, streamID)
	}
}

func (d *Dispatcher) throw(ch Channel, id string, err error) {
	payload, _ := json.Marshal(ThrowPayload{ErrKind: errKind(err), Message: err.Error()})
	ch.Send(Envelope{Kind: KindThrow, ID: id, Payload: payload})
}

func errKind(err error) string {
	switch {
	case engine.IsModelNotFound(err):
		return ErrKindModelNotFound
	case engine.IsNoModelLoaded(err):
		return ErrKindNoModelLoaded
	case engine.IsAmbiguousModel(err):
		return ErrKindAmbiguous
	case engine.IsTooBusy(err):
		return ErrKindTooBusy
	case engine.IsConfigError(err):
		return ErrKindConfig
	case engine.IsUnsupportedModel(err):
		return ErrKindUnsupported
	case backend.IsDeviceLost(err):
		return ErrKindInternal
	case IsProtocolError(err):
		return ErrKindProtocol
	default:
		return ErrKindInternal
	}
}
