package types

import (
	"encoding/json"
	"fmt"
)

// Finish reasons reported on terminal chunks and aggregated responses.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishAbort     = "abort"
	FinishToolCalls = "tool_calls"
)

// ContentPart is one element of a structured message content list.
type ContentPart struct {
	// "text" or "image_url".
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Reference to an image; the orchestration core treats it as opaque.
	ImageURL string `json:"image_url,omitempty"`
}

// MessageContent is either a plain string or an ordered list of typed parts,
// mirroring the OpenAI chat schema.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// IsParts reports whether the content was supplied as a typed-part list.
func (c MessageContent) IsParts() bool { return c.Parts != nil }

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(b, &parts); err == nil {
		c.Parts = parts
		c.Text = ""
		return nil
	}
	return fmt.Errorf("message content must be a string or a part list")
}

// ChatMessage is one turn of a chat request.
type ChatMessage struct {
	Role    string         `json:"role"`
	Name    string         `json:"name,omitempty"`
	Content MessageContent `json:"content"`
}

// StreamOptions mirrors the OpenAI stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionRequest is the payload of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	// Optional model identifier. Required when more than one model is loaded.
	Model         string         `json:"model,omitempty"`
	Messages      []ChatMessage  `json:"messages"`
	N             int            `json:"n,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	// Tools enables function-calling mode; a stop-terminated reply then
	// reports tool_calls. Declarations are carried opaquely.
	Tools []json.RawMessage `json:"tools,omitempty"`
	GenerationConfig
}

// CompletionRequest is the payload of POST /v1/completions. The raw prompt
// bypasses conversation templating entirely.
type CompletionRequest struct {
	Model         string         `json:"model,omitempty"`
	Prompt        string         `json:"prompt"`
	Echo          bool           `json:"echo,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	GenerationConfig
}

// Usage reports token accounting and phase throughput.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// Extra throughput detail, OpenAI extension style.
	Extra *UsageExtra `json:"extra,omitempty"`
}

// UsageExtra carries per-phase throughput measurements.
type UsageExtra struct {
	PrefillTokensPerSec float64 `json:"prefill_tokens_per_s"`
	DecodeTokensPerSec  float64 `json:"decode_tokens_per_s"`
}

// TokenLogprob is the logprob record of one accepted token.
type TokenLogprob struct {
	Token       string       `json:"token"`
	Logprob     float64      `json:"logprob"`
	TopLogprobs []TopLogprob `json:"top_logprobs,omitempty"`
}

// TopLogprob is one alternative-token entry.
type TopLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// ChoiceLogprobs wraps per-token logprobs for a choice.
type ChoiceLogprobs struct {
	Content []TokenLogprob `json:"content"`
}

// AssistantMessage is the aggregated assistant output of one choice.
type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatChoice is one choice of an aggregated chat response.
type ChatChoice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
	Logprobs     *ChoiceLogprobs  `json:"logprobs,omitempty"`
}

// ChatCompletionResponse is the non-streaming chat result.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// MessageDelta is the incremental part of a streamed choice.
type MessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice of a streamed chunk. FinishReason is nil on
// content chunks and set exactly once on the terminal chunk.
type ChunkChoice struct {
	Index        int             `json:"index"`
	Delta        MessageDelta    `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
	Logprobs     *ChoiceLogprobs `json:"logprobs,omitempty"`
}

// ChatCompletionChunk is one unit of a streamed response. A usage-only chunk
// has an empty Choices slice and a non-nil Usage.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// CompletionChoice is one choice of a text completion response.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// CompletionResponse is the non-streaming text completion result.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// EmbeddingRequest is the payload of POST /v1/embeddings.
type EmbeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

// UnmarshalJSON accepts both a single string and a string list for input.
func (r *EmbeddingRequest) UnmarshalJSON(b []byte) error {
	type alias struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	r.Model = a.Model
	var one string
	if err := json.Unmarshal(a.Input, &one); err == nil {
		r.Input = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(a.Input, &many); err != nil {
		return fmt.Errorf("embedding input must be a string or a string list")
	}
	r.Input = many
	return nil
}

// EmbeddingData is one vector of an embedding response.
type EmbeddingData struct {
	Index     int       `json:"index"`
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingResponse is the result of POST /v1/embeddings.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []EmbeddingData `json:"data"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// ModelsResponse wraps the registry listing for GET /v1/models.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Loaded  bool   `json:"loaded"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error"`
	// HTTP status code.
	// example: 400
	Code int `json:"code"`
}

// PipelineStatus summarizes one loaded pipeline for /status.
type PipelineStatus struct {
	ModelID       string `json:"model_id"`
	State         string `json:"state"`
	LastUsed      int64  `json:"last_used_unix"`
	QueueLen      int    `json:"queue_len"`
	Inflight      int    `json:"inflight"`
	MaxQueueDepth int    `json:"max_queue_depth"`
	ContextTokens int    `json:"context_tokens"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Pipelines      []PipelineStatus `json:"pipelines"`
	State          string           `json:"state"`
	LastError      string           `json:"last_error,omitempty"`
	LoadsTotal     uint64           `json:"loads_total"`
	UnloadsTotal   uint64           `json:"unloads_total"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	ServerTimeUnix int64            `json:"server_time_unix"`
}
