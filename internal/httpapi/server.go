// Package httpapi exposes the serving engine over an OpenAI-compatible HTTP
// surface plus operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmd/pkg/types"
)

// Stream is one in-flight generation pulled chunk by chunk.
type Stream interface {
	Next(ctx context.Context) (*types.ChatCompletionChunk, error)
	Close() error
}

// Service is the engine surface the HTTP layer needs. Satisfied by the local
// engine adapter and by the RPC client, so the same routes serve every
// transport.
type Service interface {
	Reload(ctx context.Context, ids []string, opts []*types.GenerationConfig) error
	Unload(id string) error

	ChatCompletion(ctx context.Context, req *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error)
	ChatCompletionStream(ctx context.Context, req *types.ChatCompletionRequest) (Stream, error)
	Completion(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)
	CompletionStream(ctx context.Context, req *types.CompletionRequest) (Stream, error)
	Embedding(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)

	InterruptGenerate(modelID string) error
	ResetChat(ctx context.Context, modelID string) error
	GetMessage(modelID string) (string, error)
	RuntimeStatsText(modelID string) (string, error)
	SetConfig(modelID string, cfg *types.GenerationConfig) error

	ListModels() []types.ModelRecord
	LoadedModelIDs() []string
	Status() types.StatusResponse
	Ready() bool
}

// Options configures the router.
type Options struct {
	CORSEnabled    bool
	AllowedOrigins []string
}

// NewRouter builds the chi router over svc.
func NewRouter(svc Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(securityHeaders)
	if opts.CORSEnabled {
		origins := opts.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	s := &server{svc: svc}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/completions", s.handleCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Get("/models", s.handleListModels)
		r.Post("/models/load", s.handleLoad)
		r.Post("/models/unload", s.handleUnload)
		r.Post("/chat/interrupt", s.handleInterrupt)
		r.Post("/chat/reset", s.handleReset)
		r.Get("/chat/message", s.handleGetMessage)
		r.Get("/runtime/stats", s.handleRuntimeStats)
		r.Post("/config", s.handleSetConfig)
	})
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

type server struct {
	svc Service
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatCompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Stream {
		resp, err := s.svc.ChatCompletion(r.Context(), &req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	stream, err := s.svc.ChatCompletionStream(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.serveSSE(w, r, stream)
}

func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Stream {
		resp, err := s.svc.Completion(r.Context(), &req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	stream, err := s.svc.CompletionStream(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.serveSSE(w, r, stream)
}

// serveSSE pulls the stream at the client's pace and relays each chunk as a
// server-sent event. A disconnected client cancels the request context; the
// stream is then closed so the generation slot frees promptly.
func (s *server) serveSSE(w http.ResponseWriter, r *http.Request, stream Stream) {
	defer stream.Close()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Next(r.Context())
		if err == io.EOF {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			payload, _ := json.Marshal(types.ErrorResponse{Error: err.Error(), Code: statusFor(err)})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			return
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := s.svc.Embedding(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	loaded := make(map[string]bool)
	for _, id := range s.svc.LoadedModelIDs() {
		loaded[id] = true
	}
	resp := types.ModelsResponse{Object: "list"}
	for _, rec := range s.svc.ListModels() {
		resp.Data = append(resp.Data, types.ModelInfo{
			ID:      rec.ID,
			Object:  "model",
			OwnedBy: "llmd",
			Loaded:  loaded[rec.ID],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type loadRequest struct {
	Models []string                  `json:"models"`
	Opts   []*types.GenerationConfig `json:"opts,omitempty"`
}

func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.svc.Reload(r.Context(), req.Models, req.Opts); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaded": s.svc.LoadedModelIDs()})
}

type modelRequest struct {
	Model string `json:"model"`
}

func (s *server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.svc.Unload(req.Model); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaded": s.svc.LoadedModelIDs()})
}

func (s *server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.svc.InterruptGenerate(req.Model); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupting"})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.svc.ResetChat(r.Context(), req.Model); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	text, err := s.svc.GetMessage(r.URL.Query().Get("model"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": text})
}

func (s *server) handleRuntimeStats(w http.ResponseWriter, r *http.Request) {
	text, err := s.svc.RuntimeStatsText(r.URL.Query().Get("model"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stats": text})
}

type setConfigRequest struct {
	Model  string                  `json:"model"`
	Config *types.GenerationConfig `json:"config"`
}

func (s *server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.svc.SetConfig(req.Model, req.Config); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no model loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewServer wraps the router in an http.Server with sane timeouts. Write
// timeout stays zero so long-lived SSE streams are not cut off.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
