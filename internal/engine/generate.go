package engine

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"llmd/internal/backend"
	"llmd/internal/conversation"
	"llmd/pkg/types"
)

// Stream is a pull-based generation in progress. Each Next call advances the
// pipeline until at least one new unit of output exists and returns it; the
// caller's pull pace is the generation pace. After the terminal chunk (and
// the optional usage chunk) Next returns io.EOF. Streams are not
// restartable.
type Stream struct {
	eng  *Engine
	inst *instance

	id      string
	model   string
	created int64
	chat    bool
	echo    string

	includeUsage bool
	revealed     string
	lpSent       int
	sentRole     bool

	finished  bool
	usageSent bool
	closed    bool
	usage     *types.Usage
	release   func()
}

// ChatCompletionStream admits the request, runs the prefill phase, and
// returns a stream positioned before its first chunk. Validation and model
// selection errors surface here, before any pipeline is touched.
func (e *Engine) ChatCompletionStream(ctx context.Context, req *types.ChatCompletionRequest) (*Stream, error) {
	if req.N > 1 {
		return nil, ErrConfig("n > 1 is not supported")
	}
	inst, err := e.selectInstance(req.Model)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(&req.GenerationConfig, inst.pipe.tok.VocabSize()); err != nil {
		return nil, err
	}
	conv, err := conversation.FromMessages(req.Messages)
	if err != nil {
		return nil, ErrConfig(err.Error())
	}
	conv.UseFunctionCalling = len(req.Tools) > 0

	release, err := e.beginGeneration(ctx, inst)
	if err != nil {
		return nil, err
	}
	cfg := resolveConfig(inst.rec.Overrides, inst.opts, &req.GenerationConfig)
	matcher, err := e.compileMatcher(cfg.ResponseSchema)
	if err != nil {
		release()
		return nil, err
	}
	if err := inst.pipe.beginChat(ctx, conv, cfg, matcher); err != nil {
		release()
		e.escalateDeviceLoss(inst.rec.ID, err)
		return nil, err
	}
	return &Stream{
		eng:          e,
		inst:         inst,
		id:           "chatcmpl-" + uuid.NewString(),
		model:        inst.rec.ID,
		created:      time.Now().Unix(),
		chat:         true,
		includeUsage: req.StreamOptions != nil && req.StreamOptions.IncludeUsage,
		release:      release,
	}, nil
}

// ChatCompletion is the non-streaming variant: it drains an internal stream
// and aggregates the result. Usage is always attached.
func (e *Engine) ChatCompletion(ctx context.Context, req *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	s, err := e.ChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	content, finish, logprobs, usage, err := s.drain(ctx)
	if err != nil {
		return nil, err
	}
	choice := types.ChatChoice{
		Message:      types.AssistantMessage{Role: "assistant", Content: content},
		FinishReason: finish,
	}
	if req.Logprobs {
		choice.Logprobs = &types.ChoiceLogprobs{Content: logprobs}
	}
	return &types.ChatCompletionResponse{
		ID:      s.id,
		Object:  "chat.completion",
		Created: s.created,
		Model:   s.model,
		Choices: []types.ChatChoice{choice},
		Usage:   usage,
	}, nil
}

// CompletionStream starts a raw-prompt generation. Raw prompts always reset
// decode state and never touch the retained conversation.
func (e *Engine) CompletionStream(ctx context.Context, req *types.CompletionRequest) (*Stream, error) {
	inst, err := e.selectInstance(req.Model)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(&req.GenerationConfig, inst.pipe.tok.VocabSize()); err != nil {
		return nil, err
	}
	release, err := e.beginGeneration(ctx, inst)
	if err != nil {
		return nil, err
	}
	cfg := resolveConfig(inst.rec.Overrides, inst.opts, &req.GenerationConfig)
	if err := inst.pipe.beginCompletion(ctx, req.Prompt, cfg); err != nil {
		release()
		e.escalateDeviceLoss(inst.rec.ID, err)
		return nil, err
	}
	s := &Stream{
		eng:          e,
		inst:         inst,
		id:           "cmpl-" + uuid.NewString(),
		model:        inst.rec.ID,
		created:      time.Now().Unix(),
		includeUsage: req.StreamOptions != nil && req.StreamOptions.IncludeUsage,
		release:      release,
	}
	if req.Echo {
		s.echo = req.Prompt
	}
	return s, nil
}

// Completion is the non-streaming raw-prompt variant.
func (e *Engine) Completion(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	s, err := e.CompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	content, finish, _, usage, err := s.drain(ctx)
	if err != nil {
		return nil, err
	}
	return &types.CompletionResponse{
		ID:      s.id,
		Object:  "text_completion",
		Created: s.created,
		Model:   s.model,
		Choices: []types.CompletionChoice{{Text: content, FinishReason: finish}},
		Usage:   usage,
	}, nil
}

// Embedding encodes each input and returns mean-pooled vectors. Embedding
// requests go through the same admission slot as generation, so they never
// interleave with a decode loop on the same model.
func (e *Engine) Embedding(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	inst, err := e.selectInstance(req.Model)
	if err != nil {
		return nil, err
	}
	if len(req.Input) == 0 {
		return nil, ErrConfig("embedding input must not be empty")
	}
	release, err := e.beginGeneration(ctx, inst)
	if err != nil {
		return nil, err
	}
	defer release()

	resp := &types.EmbeddingResponse{Object: "list", Model: inst.rec.ID}
	total := 0
	for i, text := range req.Input {
		tokens := inst.pipe.tok.Encode(text)
		vec, err := inst.pipe.be.Embed(ctx, tokens)
		if err != nil {
			e.escalateDeviceLoss(inst.rec.ID, err)
			return nil, err
		}
		total += len(tokens)
		resp.Data = append(resp.Data, types.EmbeddingData{Index: i, Object: "embedding", Embedding: vec})
	}
	resp.Usage = &types.Usage{PromptTokens: total, TotalTokens: total}
	return resp, nil
}

func (e *Engine) compileMatcher(schema string) (backend.GrammarMatcher, error) {
	if schema == "" || e.grammar == nil {
		return nil, nil
	}
	m, err := e.grammar(schema)
	if err != nil {
		return nil, ErrConfig("response schema: " + err.Error())
	}
	return m, nil
}

// Next returns the next chunk, stepping the decode loop as needed. The
// terminal chunk carries the finish reason with an empty delta; when usage
// reporting was requested one more chunk follows with usage only. After
// that, io.EOF.
func (s *Stream) Next(ctx context.Context) (*types.ChatCompletionChunk, error) {
	if s.closed {
		return nil, io.EOF
	}
	if s.finished {
		if s.includeUsage && !s.usageSent {
			s.usageSent = true
			return &types.ChatCompletionChunk{
				ID:      s.id,
				Object:  s.object(),
				Created: s.created,
				Model:   s.model,
				Choices: []types.ChunkChoice{},
				Usage:   s.usage,
			}, nil
		}
		s.close()
		return nil, io.EOF
	}

	p := s.inst.pipe
	for {
		if !p.stopped() {
			if s.inst.interrupt.Load() {
				p.abort()
			} else if ctx.Err() != nil {
				p.abort()
			}
		}
		if delta := s.pendingDelta(); delta != "" || p.stopped() {
			break
		}
		if err := p.decodeStep(ctx); err != nil {
			return nil, s.fail(err)
		}
	}

	if delta := s.pendingDelta(); delta != "" {
		s.revealed += delta
		if s.echo != "" {
			delta = s.echo + delta
			s.echo = ""
		}
		chunk := &types.ChatCompletionChunk{
			ID:      s.id,
			Object:  s.object(),
			Created: s.created,
			Model:   s.model,
			Choices: []types.ChunkChoice{{Delta: types.MessageDelta{Content: delta}}},
		}
		if s.chat && !s.sentRole {
			s.sentRole = true
			chunk.Choices[0].Delta.Role = "assistant"
		}
		if p.cfg.Logprobs && len(p.logprobs) > s.lpSent {
			chunk.Choices[0].Logprobs = &types.ChoiceLogprobs{Content: p.logprobs[s.lpSent:]}
			s.lpSent = len(p.logprobs)
		}
		return chunk, nil
	}
	return s.terminal(), nil
}

// Logprobs returns every per-token logprob recorded for the request so far.
func (s *Stream) Logprobs() []types.TokenLogprob { return s.inst.pipe.logprobs }

// Close aborts a stream that will not be pulled to completion and frees the
// generation slot. Safe to call at any point, including after io.EOF.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	p := s.inst.pipe
	if !s.finished {
		if !p.stopped() {
			p.abort()
		}
		p.finishRequest()
	}
	s.close()
	return nil
}

// pendingDelta is the revealed-safe text beyond what earlier chunks carried.
// A trailing incomplete UTF-8 sequence is withheld until it resolves, except
// at the end of the request where everything flushes.
func (s *Stream) pendingDelta() string {
	full := s.inst.pipe.message()
	if s.inst.pipe.stopped() {
		full = s.inst.pipe.text
	}
	if len(full) <= len(s.revealed) {
		return ""
	}
	return full[len(s.revealed):]
}

func (s *Stream) terminal() *types.ChatCompletionChunk {
	p := s.inst.pipe
	reason := p.finish
	if reason == types.FinishStop && p.conv != nil && p.conv.UseFunctionCalling {
		reason = types.FinishToolCalls
	}
	s.usage = p.usage()
	generationsTotal.WithLabelValues(s.model, reason).Inc()
	generatedTokensTotal.WithLabelValues(s.model).Add(float64(len(p.generated)))
	p.finishRequest()
	s.finished = true
	return &types.ChatCompletionChunk{
		ID:      s.id,
		Object:  s.object(),
		Created: s.created,
		Model:   s.model,
		Choices: []types.ChunkChoice{{Delta: types.MessageDelta{}, FinishReason: &reason}},
	}
}

func (s *Stream) fail(err error) error {
	p := s.inst.pipe
	p.abort()
	p.finishRequest()
	s.close()
	s.eng.escalateDeviceLoss(s.model, err)
	return err
}

func (s *Stream) close() {
	if !s.closed {
		s.closed = true
		s.release()
	}
}

func (s *Stream) object() string {
	if s.chat {
		return "chat.completion.chunk"
	}
	return "text_completion.chunk"
}

// drain pulls the stream to completion and aggregates content, finish
// reason, logprobs, and usage.
func (s *Stream) drain(ctx context.Context) (string, string, []types.TokenLogprob, *types.Usage, error) {
	var content, finish string
	var logprobs []types.TokenLogprob
	for {
		chunk, err := s.Next(ctx)
		if err == io.EOF {
			return content, finish, logprobs, s.usage, nil
		}
		if err != nil {
			return "", "", nil, nil, err
		}
		for _, c := range chunk.Choices {
			content += c.Delta.Content
			if c.FinishReason != nil {
				finish = *c.FinishReason
			}
			if c.Logprobs != nil {
				logprobs = append(logprobs, c.Logprobs.Content...)
			}
		}
	}
}
