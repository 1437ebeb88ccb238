// Package rpc implements the message-passing transport that lets the serving
// engine run in a different context than its callers: an in-process worker
// goroutine or a restartable service host. Every request carries a fresh
// correlation id; the reply echoes it with either a return or a throw.
package rpc

import (
	"encoding/json"

	"llmd/pkg/types"
)

// Message kinds. Requests flow caller to engine host; Return and Throw flow
// back; Progress is a host-initiated push. Heartbeat is the periodic
// liveness probe, KeepAlive the caller-initiated loaded-set query; both get
// the same reply.
const (
	KindReload               = "reload"
	KindUnload               = "unload"
	KindChatCompletion       = "chat-completion"
	KindChatStreamInit       = "chat-stream-init"
	KindCompletion           = "completion"
	KindCompletionStreamInit = "completion-stream-init"
	KindStreamNext           = "stream-next"
	KindStreamClose          = "stream-close"
	KindEmbedding            = "embedding"
	KindInterrupt            = "interrupt-generate"
	KindResetChat            = "reset-chat"
	KindGetMessage           = "get-message"
	KindRuntimeStats         = "runtime-stats"
	KindSetConfig            = "set-config"
	KindStatus               = "status"
	KindListModels           = "list-models"
	KindKeepAlive            = "keep-alive"
	KindHeartbeat            = "heartbeat"

	KindReturn   = "return"
	KindThrow    = "throw"
	KindProgress = "progress"
)

// Envelope is the unit of transport. ID is the correlation token: replies
// carry the request's id, pushes carry a fresh one.
type Envelope struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReloadRequest asks the host to converge loaded models to ModelIDs.
type ReloadRequest struct {
	ModelIDs []string                  `json:"model_ids"`
	Opts     []*types.GenerationConfig `json:"opts,omitempty"`
}

// UnloadRequest tears down one model, or all when ModelID is empty.
type UnloadRequest struct {
	ModelID string `json:"model_id"`
}

// ModelRequest addresses an operation at one (possibly implicit) model.
type ModelRequest struct {
	ModelID string `json:"model_id"`
}

// SetConfigRequest replaces a model's generation overrides.
type SetConfigRequest struct {
	ModelID string                  `json:"model_id"`
	Config  *types.GenerationConfig `json:"config,omitempty"`
}

// StreamHandle identifies an initialized stream for subsequent StreamNext
// calls.
type StreamHandle struct {
	StreamID string `json:"stream_id"`
	ModelID  string `json:"model_id"`
}

// StreamNextRequest pulls one chunk from an initialized stream.
type StreamNextRequest struct {
	StreamID string `json:"stream_id"`
}

// StreamChunk is the reply to StreamNext. Done marks stream end; a Done
// reply carries no chunk.
type StreamChunk struct {
	Chunk *types.ChatCompletionChunk `json:"chunk,omitempty"`
	Done  bool                       `json:"done,omitempty"`
}

// TextReply wraps a plain-text result (get-message, runtime-stats).
type TextReply struct {
	Text string `json:"text"`
}

// HeartbeatReply is the advisory liveness answer. Loaded lets callers detect
// a restarted host whose registry came up empty.
type HeartbeatReply struct {
	Loaded []string `json:"loaded"`
}

// ThrowPayload carries an error across the boundary. ErrKind preserves the
// error taxonomy so callers can rebuild a typed error.
type ThrowPayload struct {
	ErrKind string `json:"err_kind"`
	Message string `json:"message"`
}

// Error taxonomy kinds carried in ThrowPayload.
const (
	ErrKindModelNotFound = "model_not_found"
	ErrKindNoModelLoaded = "no_model_loaded"
	ErrKindAmbiguous     = "ambiguous_model"
	ErrKindTooBusy       = "too_busy"
	ErrKindConfig        = "config"
	ErrKindUnsupported   = "unsupported_model"
	ErrKindProtocol      = "protocol"
	ErrKindInternal      = "internal"
)

// ProtocolError reports a transport-level contract violation, such as a
// reply whose correlation id matches no pending request.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "rpc protocol: " + e.Msg }

// IsProtocolError reports whether err is a transport contract violation.
func IsProtocolError(err error) bool {
	_, ok := err.(*ProtocolError)
	return ok
}
