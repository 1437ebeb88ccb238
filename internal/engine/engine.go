// Package engine implements the orchestration core: the model registry, the
// per-model pipeline lifecycle, and the generation loop that sequences the
// external numerical collaborators.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"llmd/internal/artifact"
	"llmd/internal/backend"
	"llmd/internal/conversation"
	"llmd/pkg/types"
)

// GrammarCompiler compiles a response schema into a matcher that constrains
// decoding. Nil means schemas are accepted but unconstrained.
type GrammarCompiler func(schema string) (backend.GrammarMatcher, error)

// Options configures a new Engine.
type Options struct {
	Records       []types.ModelRecord
	Cache         *artifact.Cache
	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration
	Progress      ProgressFunc
	Logger        *zerolog.Logger
	Grammar       GrammarCompiler
}

// instance is one loaded model: its pipeline plus admission channels. genCh
// is the single generation slot; queueCh bounds callers waiting for it.
type instance struct {
	rec      types.ModelRecord
	opts     *types.GenerationConfig
	pipe     *Pipeline
	genCh    chan struct{}
	queueCh  chan struct{}
	state    string // loading, ready, draining
	lastUsed time.Time

	interrupt atomic.Bool
	inflight  atomic.Int32
}

// Engine owns the model records and the loaded pipelines. At most one
// pipeline exists per model id; requests for the same model are serialized
// FCFS through the instance's generation slot, while different models
// proceed independently.
type Engine struct {
	mu      sync.RWMutex
	records map[string]types.ModelRecord
	loaded  map[string]*instance

	cache    *artifact.Cache
	caps     backend.Capabilities
	progress ProgressFunc
	grammar  GrammarCompiler
	log      zerolog.Logger

	maxQueueDepth int
	maxWait       time.Duration
	drainTimeout  time.Duration

	startedAt time.Time
	lastError atomic.Value // string
	loads     atomic.Uint64
	unloads   atomic.Uint64
}

// New builds an Engine from options. It does not load any model; call Reload
// to bring pipelines up.
func New(opts Options) *Engine {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = 32
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	e := &Engine{
		records:       make(map[string]types.ModelRecord, len(opts.Records)),
		loaded:        make(map[string]*instance),
		cache:         opts.Cache,
		caps:          backend.Probe(),
		progress:      opts.Progress,
		grammar:       opts.Grammar,
		log:           logger,
		maxQueueDepth: opts.MaxQueueDepth,
		maxWait:       opts.MaxWait,
		drainTimeout:  opts.DrainTimeout,
		startedAt:     time.Now(),
	}
	for _, rec := range opts.Records {
		e.records[rec.ID] = rec
	}
	e.lastError.Store("")
	return e
}

// AddRecord registers or replaces a model record. A loaded pipeline for the
// same id keeps running with its old record until the next Reload.
func (e *Engine) AddRecord(rec types.ModelRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[rec.ID] = rec
}

// Record returns the registered record for id.
func (e *Engine) Record(id string) (types.ModelRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[id]
	if !ok {
		return types.ModelRecord{}, ErrModelNotFound(id)
	}
	return rec, nil
}

// Reload converges the set of loaded pipelines to exactly ids. Models already
// loaded with an equal per-model config are left untouched and still report
// full progress, so Reload is idempotent. Models loaded but absent from ids
// are unloaded. ctx cancels in-flight fetch and initialization; a canceled
// load leaves the engine in its pre-call state for that model.
//
// opts, when non-nil, carries one optional per-model config aligned with ids.
func (e *Engine) Reload(ctx context.Context, ids []string, opts []*types.GenerationConfig) error {
	if len(ids) == 0 {
		return ErrConfig("reload requires at least one model id")
	}
	if opts != nil && len(opts) != len(ids) {
		return ErrConfig("per-model config list must align with model ids")
	}

	// Resolve every record up front so a bad id fails before any mutation.
	recs := make([]types.ModelRecord, len(ids))
	for i, id := range ids {
		rec, err := e.Record(id)
		if err != nil {
			return err
		}
		recs[i] = rec
	}

	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	for _, id := range e.LoadedModelIDs() {
		if !keep[id] {
			if err := e.Unload(id); err != nil {
				return err
			}
		}
	}

	for i, rec := range recs {
		var o *types.GenerationConfig
		if opts != nil {
			o = opts[i]
		}
		if err := e.loadOne(ctx, rec, o); err != nil {
			e.lastError.Store(err.Error())
			return err
		}
	}
	return nil
}

func (e *Engine) loadOne(ctx context.Context, rec types.ModelRecord, opts *types.GenerationConfig) error {
	e.mu.RLock()
	existing := e.loaded[rec.ID]
	e.mu.RUnlock()
	if existing != nil {
		if configEqual(existing.opts, opts) {
			e.reportProgress(rec.ID, 1, "already loaded")
			return nil
		}
		// Changed per-model options rebuild the pipeline from scratch,
		// discarding its decode state and retained conversation.
		if err := e.Unload(rec.ID); err != nil {
			return err
		}
	}

	if err := e.checkCapabilities(rec); err != nil {
		return err
	}

	e.reportProgress(rec.ID, 0, "fetching parameters")
	var blob []byte
	if e.cache != nil {
		var err error
		blob, err = e.cache.FetchWithCache(ctx, rec.Locator, rec.Integrity)
		if err != nil {
			return err
		}
	}
	e.reportProgress(rec.ID, 0.6, "initializing pipeline")

	be, tok, err := backend.New(rec.Library, rec.ContextWindow)
	if err != nil {
		return ErrConfig(err.Error())
	}
	if err := be.LoadParameters(ctx, blob); err != nil {
		be.Close()
		return err
	}
	if err := validateConfig(opts, tok.VocabSize()); err != nil {
		be.Close()
		return err
	}

	inst := &instance{
		rec:      rec,
		opts:     opts,
		pipe:     newPipeline(rec.ID, be, tok, conversation.DefaultTemplate()),
		genCh:    make(chan struct{}, 1),
		queueCh:  make(chan struct{}, e.maxQueueDepth),
		state:    "ready",
		lastUsed: time.Now(),
	}
	e.mu.Lock()
	e.loaded[rec.ID] = inst
	e.mu.Unlock()
	e.loads.Add(1)
	loadsTotal.Inc()
	e.log.Info().Str("model", rec.ID).Msg("pipeline loaded")
	e.reportProgress(rec.ID, 1, "ready")
	return nil
}

func (e *Engine) checkCapabilities(rec types.ModelRecord) error {
	for _, f := range rec.RequiredFeatures {
		if !e.caps.HasFeature(f) {
			return unsupportedModelError{msg: fmt.Sprintf("%s requires device feature %q", rec.ID, f)}
		}
	}
	if rec.RequiredMemMB > 0 && e.caps.TotalMemMB > 0 && uint64(rec.RequiredMemMB) > e.caps.TotalMemMB {
		return unsupportedModelError{
			msg: fmt.Sprintf("%s needs %d MB, device has %d MB", rec.ID, rec.RequiredMemMB, e.caps.TotalMemMB),
		}
	}
	return nil
}

// Unload tears down the pipeline for id, or every pipeline when id is empty.
// It drains the generation slot up to the drain timeout, then closes the
// backend regardless. Device-loss reported by a pipeline being unloaded is
// expected and not an error.
func (e *Engine) Unload(id string) error {
	if id == "" {
		for _, each := range e.LoadedModelIDs() {
			if err := e.Unload(each); err != nil {
				return err
			}
		}
		return nil
	}
	e.mu.Lock()
	inst, ok := e.loaded[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	inst.state = "draining"
	inst.pipe.setState(pipeUnloading)
	e.mu.Unlock()

	// Acquire the generation slot so no request is mid-step when the backend
	// goes away. Give up after the drain timeout and close anyway.
	select {
	case inst.genCh <- struct{}{}:
	case <-time.After(e.drainTimeout):
		e.log.Warn().Str("model", id).Msg("drain timeout, closing busy pipeline")
	}
	if err := inst.pipe.be.Close(); err != nil && !backend.IsDeviceLost(err) {
		e.log.Warn().Err(err).Str("model", id).Msg("backend close")
	}

	e.mu.Lock()
	delete(e.loaded, id)
	e.mu.Unlock()
	e.unloads.Add(1)
	unloadsTotal.Inc()
	e.log.Info().Str("model", id).Msg("pipeline unloaded")
	return nil
}

// selectInstance resolves a possibly-empty model id to a loaded instance. An
// empty id selects the single loaded model, failing when none or several are
// loaded.
func (e *Engine) selectInstance(id string) (*instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id == "" {
		switch len(e.loaded) {
		case 0:
			return nil, noModelLoadedError{}
		case 1:
			for _, inst := range e.loaded {
				return inst, nil
			}
		}
		ids := make([]string, 0, len(e.loaded))
		for each := range e.loaded {
			ids = append(ids, each)
		}
		sort.Strings(ids)
		return nil, ambiguousModelError{loaded: ids}
	}
	inst, ok := e.loaded[id]
	if !ok {
		if _, registered := e.records[id]; registered {
			return nil, noModelLoadedError{}
		}
		return nil, ErrModelNotFound(id)
	}
	return inst, nil
}

// LoadedModelIDs returns the ids of loaded pipelines, sorted.
func (e *Engine) LoadedModelIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.loaded))
	for id := range e.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListModels returns a copy of every registered record, sorted by id.
func (e *Engine) ListModels() []types.ModelRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ModelRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Loaded reports whether id has a live pipeline.
func (e *Engine) Loaded(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.loaded[id]
	return ok
}

// Ready reports whether at least one pipeline can accept requests.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, inst := range e.loaded {
		if inst.state == "ready" {
			return true
		}
	}
	return false
}

// Status snapshots the engine for the status surface.
func (e *Engine) Status() types.StatusResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()
	resp := types.StatusResponse{
		State:          "idle",
		LastError:      e.lastError.Load().(string),
		LoadsTotal:     e.loads.Load(),
		UnloadsTotal:   e.unloads.Load(),
		UptimeSeconds:  int64(time.Since(e.startedAt).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	for id, inst := range e.loaded {
		resp.State = "ready"
		resp.Pipelines = append(resp.Pipelines, types.PipelineStatus{
			ModelID:       id,
			State:         string(inst.pipe.currentState()),
			LastUsed:      inst.lastUsed.Unix(),
			QueueLen:      len(inst.queueCh),
			Inflight:      int(inst.inflight.Load()),
			MaxQueueDepth: e.maxQueueDepth,
			ContextTokens: inst.pipe.contextTokens(),
		})
	}
	sort.Slice(resp.Pipelines, func(a, b int) bool {
		return resp.Pipelines[a].ModelID < resp.Pipelines[b].ModelID
	})
	return resp
}

// InterruptGenerate requests that the in-flight generation on the selected
// model stop at the next step boundary. It returns immediately; the stream
// ends with an abort finish reason.
func (e *Engine) InterruptGenerate(modelID string) error {
	inst, err := e.selectInstance(modelID)
	if err != nil {
		return err
	}
	inst.interrupt.Store(true)
	interruptsTotal.Inc()
	return nil
}

// ResetChat discards the selected pipeline's decode state and retained
// conversation.
func (e *Engine) ResetChat(ctx context.Context, modelID string) error {
	inst, err := e.selectInstance(modelID)
	if err != nil {
		return err
	}
	release, err := e.beginGeneration(ctx, inst)
	if err != nil {
		return err
	}
	defer release()
	inst.pipe.resetDecodeState()
	return nil
}

// GetMessage returns the assistant text of the selected pipeline's current
// or most recent request.
func (e *Engine) GetMessage(modelID string) (string, error) {
	inst, err := e.selectInstance(modelID)
	if err != nil {
		return "", err
	}
	return inst.pipe.message(), nil
}

// RuntimeStatsText returns lifetime prefill/decode throughput for the
// selected pipeline.
func (e *Engine) RuntimeStatsText(modelID string) (string, error) {
	inst, err := e.selectInstance(modelID)
	if err != nil {
		return "", err
	}
	return inst.pipe.runtimeStatsText(), nil
}

// SetConfig replaces the selected pipeline's per-model generation overrides.
// It takes effect on the next request.
func (e *Engine) SetConfig(modelID string, opts *types.GenerationConfig) error {
	inst, err := e.selectInstance(modelID)
	if err != nil {
		return err
	}
	if err := validateConfig(opts, inst.pipe.tok.VocabSize()); err != nil {
		return err
	}
	e.mu.Lock()
	inst.opts = opts
	e.mu.Unlock()
	return nil
}

// escalateDeviceLoss proactively unloads a pipeline whose device context is
// gone, so the next load starts clean. The error is still returned to the
// caller.
func (e *Engine) escalateDeviceLoss(modelID string, err error) {
	if !backend.IsDeviceLost(err) {
		return
	}
	e.lastError.Store(err.Error())
	e.log.Error().Err(err).Str("model", modelID).Msg("device lost, unloading pipeline")
	go e.Unload(modelID)
}

// Close unloads everything.
func (e *Engine) Close() error {
	return e.Unload("")
}
