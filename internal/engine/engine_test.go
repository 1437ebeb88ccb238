package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"llmd/internal/backend"
	"llmd/pkg/types"
)

func f32(v float32) *float32 { return &v }

func testRecord(id string) types.ModelRecord {
	return types.ModelRecord{ID: id, Name: id, Library: "builtin", ContextWindow: 2048}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Records == nil {
		opts.Records = []types.ModelRecord{testRecord("alpha")}
	}
	e := New(opts)
	t.Cleanup(func() { e.Close() })
	return e
}

func mustReload(t *testing.T, e *Engine, ids ...string) {
	t.Helper()
	if err := e.Reload(context.Background(), ids, nil); err != nil {
		t.Fatalf("reload %v: %v", ids, err)
	}
}

func greedyChat(msgs ...types.ChatMessage) *types.ChatCompletionRequest {
	return &types.ChatCompletionRequest{
		Messages: msgs,
		GenerationConfig: types.GenerationConfig{
			Temperature: f32(0),
			MaxTokens:   4,
		},
	}
}

func userMsg(text string) types.ChatMessage {
	return types.ChatMessage{Role: "user", Content: types.MessageContent{Text: text}}
}

func assistantMsg(text string) types.ChatMessage {
	return types.ChatMessage{Role: "assistant", Content: types.MessageContent{Text: text}}
}

func TestReloadAndUnload(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")
	if got := e.LoadedModelIDs(); len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("loaded = %v, want [alpha]", got)
	}
	if !e.Ready() {
		t.Fatal("engine not ready after load")
	}
	if err := e.Unload("alpha"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if e.Ready() {
		t.Fatal("engine still ready after unload")
	}
}

func TestReloadUnknownModel(t *testing.T) {
	e := newTestEngine(t, Options{})
	err := e.Reload(context.Background(), []string{"nope"}, nil)
	if !IsModelNotFound(err) {
		t.Fatalf("err = %v, want model-not-found", err)
	}
}

func TestReloadIdempotent(t *testing.T) {
	var mu sync.Mutex
	var reports []ProgressReport
	e := newTestEngine(t, Options{Progress: func(r ProgressReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}})
	mustReload(t, e, "alpha")
	mustReload(t, e, "alpha")

	if got := e.Status().LoadsTotal; got != 1 {
		t.Fatalf("loads = %d, want 1 (second reload must be a no-op)", got)
	}
	mu.Lock()
	defer mu.Unlock()
	// Both reloads must end at full progress.
	var full int
	for _, r := range reports {
		if r.ModelID == "alpha" && r.Progress == 1 {
			full++
		}
	}
	if full != 2 {
		t.Fatalf("full-progress reports = %d, want 2", full)
	}
}

func TestReloadWithNewOptionsRebuildsPipeline(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")
	first, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("Hi")))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	opts := []*types.GenerationConfig{{MaxTokens: 8}}
	if err := e.Reload(context.Background(), []string{"alpha"}, opts); err != nil {
		t.Fatalf("reload with options: %v", err)
	}
	st := e.Status()
	if st.LoadsTotal != 2 || st.UnloadsTotal != 1 {
		t.Fatalf("loads/unloads = %d/%d, want 2/1 (changed options rebuild)", st.LoadsTotal, st.UnloadsTotal)
	}

	// The rebuilt pipeline retained nothing: a strict continuation of the
	// old conversation prefills in full.
	follow, err := e.ChatCompletion(context.Background(), greedyChat(
		userMsg("Hi"),
		assistantMsg(first.Choices[0].Message.Content),
		userMsg("More?"),
	))
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if follow.Usage.PromptTokens <= 3 {
		t.Fatalf("prompt tokens = %d, want full prefill after rebuild", follow.Usage.PromptTokens)
	}
}

func TestReloadConvergesLoadedSet(t *testing.T) {
	e := newTestEngine(t, Options{
		Records: []types.ModelRecord{testRecord("alpha"), testRecord("beta")},
	})
	mustReload(t, e, "alpha")
	mustReload(t, e, "beta")
	if got := e.LoadedModelIDs(); len(got) != 1 || got[0] != "beta" {
		t.Fatalf("loaded = %v, want [beta]", got)
	}
	if got := e.Status().UnloadsTotal; got != 1 {
		t.Fatalf("unloads = %d, want 1", got)
	}
}

func TestReloadCancel(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Reload(ctx, []string{"alpha"}, nil)
	if err == nil {
		t.Fatal("reload with canceled context succeeded")
	}
	if e.Loaded("alpha") {
		t.Fatal("canceled load left a pipeline behind")
	}
}

func TestUnsupportedModelRejectedBeforeFetch(t *testing.T) {
	rec := testRecord("huge")
	rec.RequiredFeatures = []string{"no-such-feature"}
	e := newTestEngine(t, Options{Records: []types.ModelRecord{rec}})
	err := e.Reload(context.Background(), []string{"huge"}, nil)
	if !IsUnsupportedModel(err) {
		t.Fatalf("err = %v, want unsupported-model", err)
	}
}

func TestChatCompletionDeterministic(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")
	a, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("Hi")))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if err := e.ResetChat(context.Background(), ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	b, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("Hi")))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if a.Choices[0].Message.Content == "" {
		t.Fatal("empty completion content")
	}
	if a.Choices[0].Message.Content != b.Choices[0].Message.Content {
		t.Fatalf("greedy decode not deterministic: %q vs %q",
			a.Choices[0].Message.Content, b.Choices[0].Message.Content)
	}
	if a.Usage == nil || a.Usage.CompletionTokens == 0 {
		t.Fatalf("usage = %+v, want completion tokens", a.Usage)
	}
}

func TestConversationReusePrefillsOnlyNewTurn(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	first, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("Hi")))
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	// Strict continuation: history plus the generated reply plus one new turn.
	second, err := e.ChatCompletion(context.Background(), greedyChat(
		userMsg("Hi"),
		assistantMsg(first.Choices[0].Message.Content),
		userMsg("More?"),
	))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	// Only the new turn plus the assistant prompt marker is prefilled:
	// "<|user|>" "More?" "<|assistant|>" under the word tokenizer.
	if got := second.Usage.PromptTokens; got != 3 {
		t.Fatalf("prompt tokens = %d, want 3 (append-only prefill)", got)
	}
}

func TestFailedPrefillDiscardsRetainedHistory(t *testing.T) {
	rec := testRecord("tiny")
	rec.ContextWindow = 8
	e := newTestEngine(t, Options{Records: []types.ModelRecord{rec}})
	mustReload(t, e, "tiny")

	big := strings.TrimSpace(strings.Repeat("word ", 12))
	_, err := e.ChatCompletion(context.Background(), greedyChat(userMsg(big)))
	if !IsConfigError(err) {
		t.Fatalf("err = %v, want config error for oversized prompt", err)
	}

	// The failed request must retain no history: a continuation that would
	// match it has to re-prefill the full conversation, which still
	// overflows rather than sneaking in on never-consumed state.
	_, err = e.ChatCompletion(context.Background(), greedyChat(userMsg(big), userMsg("go")))
	if !IsConfigError(err) {
		t.Fatalf("err = %v, want config error on full re-prefill", err)
	}
}

func TestConversationMismatchResetsState(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	if _, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("Hi"))); err != nil {
		t.Fatalf("first: %v", err)
	}
	// History does not match what the pipeline retained: full re-prefill.
	second, err := e.ChatCompletion(context.Background(), greedyChat(
		userMsg("Bye"),
		assistantMsg("made up"),
		userMsg("More?"),
	))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if got := second.Usage.PromptTokens; got <= 3 {
		t.Fatalf("prompt tokens = %d, want full-history prefill", got)
	}
}

func TestStreamingMatchesNonStreaming(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	whole, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("stream me")))
	if err != nil {
		t.Fatalf("non-streaming: %v", err)
	}
	if err := e.ResetChat(context.Background(), ""); err != nil {
		t.Fatalf("reset: %v", err)
	}

	s, err := e.ChatCompletionStream(context.Background(), greedyChat(userMsg("stream me")))
	if err != nil {
		t.Fatalf("stream init: %v", err)
	}
	var parts []string
	var finish string
	var sawRole bool
	for {
		chunk, err := s.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Role == "assistant" {
				sawRole = true
			}
			parts = append(parts, c.Delta.Content)
			if c.FinishReason != nil {
				finish = *c.FinishReason
			}
		}
	}
	if !sawRole {
		t.Fatal("no chunk carried the assistant role")
	}
	if got := strings.Join(parts, ""); got != whole.Choices[0].Message.Content {
		t.Fatalf("streamed %q, non-streaming %q", got, whole.Choices[0].Message.Content)
	}
	if finish != types.FinishLength {
		t.Fatalf("finish = %q, want %q", finish, types.FinishLength)
	}
	// Streams are not restartable.
	if _, err := s.Next(context.Background()); err != io.EOF {
		t.Fatalf("Next after EOF = %v, want io.EOF", err)
	}
}

func TestStreamUsageChunk(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	req := greedyChat(userMsg("count me"))
	req.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	s, err := e.ChatCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream init: %v", err)
	}
	var sawFinish, sawUsage bool
	for {
		chunk, err := s.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if chunk.Usage != nil {
			if !sawFinish {
				t.Fatal("usage chunk arrived before the terminal chunk")
			}
			if len(chunk.Choices) != 0 {
				t.Fatal("usage chunk must carry no choices")
			}
			sawUsage = true
		}
		for _, c := range chunk.Choices {
			if c.FinishReason != nil {
				sawFinish = true
			}
		}
	}
	if !sawUsage {
		t.Fatal("no usage chunk emitted")
	}
}

func TestStatusSnapshotsConcurrentWithStreaming(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	req := greedyChat(userMsg("snapshot me"))
	req.MaxTokens = 200
	s, err := e.ChatCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream init: %v", err)
	}

	// Snapshot and read the in-flight message while the decode loop runs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			e.Status()
			e.GetMessage("")
		}
	}()
	for {
		if _, err := s.Next(context.Background()); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	<-done

	if got := e.Status().Pipelines[0].State; got != string(pipeIdle) {
		t.Fatalf("state after stream = %q, want idle", got)
	}
}

func TestInterruptEndsStreamWithAbort(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	req := greedyChat(userMsg("long one"))
	req.MaxTokens = 1000
	s, err := e.ChatCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream init: %v", err)
	}
	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if err := e.InterruptGenerate(""); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	var finish string
	for {
		chunk, err := s.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		for _, c := range chunk.Choices {
			if c.FinishReason != nil {
				finish = *c.FinishReason
			}
		}
	}
	if finish != types.FinishAbort {
		t.Fatalf("finish = %q, want %q", finish, types.FinishAbort)
	}
}

func TestAmbiguousModelSelection(t *testing.T) {
	e := newTestEngine(t, Options{
		Records: []types.ModelRecord{testRecord("alpha"), testRecord("beta")},
	})
	mustReload(t, e, "alpha", "beta")
	_, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("which?")))
	if !IsAmbiguousModel(err) {
		t.Fatalf("err = %v, want ambiguous-model", err)
	}
	// The failed selection must not have touched any pipeline.
	for _, p := range e.Status().Pipelines {
		if p.State != string(pipeIdle) {
			t.Fatalf("pipeline %s in state %s after ambiguity error", p.ModelID, p.State)
		}
	}
}

func TestNoModelLoaded(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("hi")))
	if !IsNoModelLoaded(err) {
		t.Fatalf("err = %v, want no-model-loaded", err)
	}
}

func TestValidationRejectsBeforePipeline(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")
	req := greedyChat(userMsg("hi"))
	req.Temperature = f32(-1)
	_, err := e.ChatCompletion(context.Background(), req)
	if !IsConfigError(err) {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestSameModelSerializedAcrossModelsIndependent(t *testing.T) {
	e := newTestEngine(t, Options{
		Records:       []types.ModelRecord{testRecord("alpha"), testRecord("beta")},
		MaxQueueDepth: 1,
		MaxWait:       20 * time.Millisecond,
	})
	mustReload(t, e, "alpha", "beta")

	reqA := greedyChat(userMsg("hold the slot"))
	reqA.Model = "alpha"
	s, err := e.ChatCompletionStream(context.Background(), reqA)
	if err != nil {
		t.Fatalf("stream init: %v", err)
	}

	// Same model: the slot is held, the queue fills, admission times out.
	busy := greedyChat(userMsg("blocked"))
	busy.Model = "alpha"
	if _, err := e.ChatCompletion(context.Background(), busy); !IsTooBusy(err) {
		t.Fatalf("err = %v, want too-busy", err)
	}

	// Different model proceeds immediately.
	reqB := greedyChat(userMsg("other lane"))
	reqB.Model = "beta"
	if _, err := e.ChatCompletion(context.Background(), reqB); err != nil {
		t.Fatalf("beta blocked by alpha: %v", err)
	}

	s.Close()
	// Slot freed: alpha accepts again.
	again := greedyChat(userMsg("after close"))
	again.Model = "alpha"
	if _, err := e.ChatCompletion(context.Background(), again); err != nil {
		t.Fatalf("alpha after close: %v", err)
	}
}

func TestCompletionEchoAndReset(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	// Seed retained conversation state.
	if _, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("Hi"))); err != nil {
		t.Fatalf("chat: %v", err)
	}

	resp, err := e.Completion(context.Background(), &types.CompletionRequest{
		Prompt: "raw prompt here",
		Echo:   true,
		GenerationConfig: types.GenerationConfig{
			Temperature: f32(0),
			MaxTokens:   3,
		},
	})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if !strings.HasPrefix(resp.Choices[0].Text, "raw prompt here") {
		t.Fatalf("echo missing: %q", resp.Choices[0].Text)
	}

	// A raw completion resets decode state, so the old chat history cannot
	// be reused afterwards.
	follow, err := e.ChatCompletion(context.Background(), greedyChat(
		userMsg("Hi"),
		assistantMsg("whatever"),
		userMsg("More?"),
	))
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if follow.Usage.PromptTokens <= 3 {
		t.Fatalf("prompt tokens = %d, want full prefill after raw completion", follow.Usage.PromptTokens)
	}
}

func TestMaxTokensFinishReason(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")
	req := greedyChat(userMsg("short"))
	req.MaxTokens = 2
	resp, err := e.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Choices[0].FinishReason != types.FinishLength {
		t.Fatalf("finish = %q, want length", resp.Choices[0].FinishReason)
	}
	if resp.Usage.CompletionTokens != 2 {
		t.Fatalf("completion tokens = %d, want 2", resp.Usage.CompletionTokens)
	}
}

func TestStopTokenIDExcludedFromText(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	// First find out which token greedy decode emits first.
	probe, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("probe")))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	first := strings.Fields(probe.Choices[0].Message.Content)[0]
	var id int
	if _, err := fmt.Sscanf(first, "w%d", &id); err != nil {
		t.Fatalf("unexpected token shape %q: %v", first, err)
	}
	if err := e.ResetChat(context.Background(), ""); err != nil {
		t.Fatalf("reset: %v", err)
	}

	req := greedyChat(userMsg("probe"))
	req.StopTokenIDs = []int{id}
	resp, err := e.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Choices[0].FinishReason != types.FinishStop {
		t.Fatalf("finish = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Choices[0].Message.Content != "" {
		t.Fatalf("stop token leaked into text: %q", resp.Choices[0].Message.Content)
	}
}

func TestDeviceLossUnloadsPipeline(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")

	e.mu.RLock()
	be := e.loaded["alpha"].pipe.be
	e.mu.RUnlock()
	be.(interface{ LoseDevice() }).LoseDevice()

	_, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("Hi")))
	if !backend.IsDeviceLost(err) {
		t.Fatalf("err = %v, want device-lost", err)
	}
	// The lost pipeline is unloaded in the background.
	deadline := time.Now().Add(2 * time.Second)
	for e.Loaded("alpha") {
		if time.Now().After(deadline) {
			t.Fatal("lost pipeline was not unloaded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetMessageAndRuntimeStats(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")
	resp, err := e.ChatCompletion(context.Background(), greedyChat(userMsg("Hi")))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	msg, err := e.GetMessage("")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg != resp.Choices[0].Message.Content {
		t.Fatalf("message = %q, want %q", msg, resp.Choices[0].Message.Content)
	}
	stats, err := e.RuntimeStatsText("")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(stats, "tokens/sec") {
		t.Fatalf("stats = %q", stats)
	}
}

func TestLogprobs(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustReload(t, e, "alpha")
	req := greedyChat(userMsg("prob me"))
	req.Logprobs = true
	req.TopLogprobs = 2
	resp, err := e.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	lp := resp.Choices[0].Logprobs
	if lp == nil || len(lp.Content) != resp.Usage.CompletionTokens {
		t.Fatalf("logprobs = %+v, want one entry per token", lp)
	}
	for _, entry := range lp.Content {
		if len(entry.TopLogprobs) != 2 {
			t.Fatalf("top logprobs = %d, want 2", len(entry.TopLogprobs))
		}
		if entry.Logprob > 0 {
			t.Fatalf("logprob %f > 0", entry.Logprob)
		}
	}
}
