package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmd/internal/engine"
)

// EngineFactory builds a fresh engine for a (re)started service host. The
// supplied progress func pushes load progress back over the channel.
type EngineFactory func(progress engine.ProgressFunc) (*engine.Engine, error)

// Service hosts an engine behind a channel in a context that can be torn
// down and recreated underneath its callers. A restart drops every loaded
// pipeline and live stream; clients notice through the heartbeat's loaded
// set (or a no-model-loaded throw) and transparently re-issue their last
// reload.
type Service struct {
	factory EngineFactory
	disp    *Dispatcher
	server  Channel
	client  Channel
	log     zerolog.Logger

	mu       sync.Mutex
	eng      *engine.Engine
	restarts atomic.Uint64
	cancel   context.CancelFunc
}

// NewService builds the initial engine and starts serving.
func NewService(factory EngineFactory, log *zerolog.Logger) (*Service, error) {
	logger := zerolog.Nop()
	if log != nil {
		logger = *log
	}
	server, client := Pipe()
	s := &Service{factory: factory, server: server, client: client, log: logger}

	eng, err := factory(s.pushProgress)
	if err != nil {
		server.Close()
		return nil, err
	}
	s.eng = eng
	s.disp = NewDispatcher(eng, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.disp.Serve(ctx, server)
	return s, nil
}

// ClientChannel is the caller-side end of the service's pipe. It survives
// restarts.
func (s *Service) ClientChannel() Channel { return s.client }

// Restart simulates the host context being killed and recreated: the old
// engine and all its pipelines are discarded and a fresh empty engine takes
// over the same channel.
func (s *Service) Restart() error {
	eng, err := s.factory(s.pushProgress)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.eng
	s.eng = eng
	s.mu.Unlock()
	s.disp.SetEngine(eng)
	if old != nil {
		old.Close()
	}
	n := s.restarts.Add(1)
	s.log.Info().Uint64("restarts", n).Msg("service host restarted")
	return nil
}

// Restarts counts completed restarts.
func (s *Service) Restarts() uint64 { return s.restarts.Load() }

// Close stops serving and unloads the current engine.
func (s *Service) Close() error {
	s.cancel()
	s.server.Close()
	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()
	if eng != nil {
		return eng.Close()
	}
	return nil
}

func (s *Service) pushProgress(r engine.ProgressReport) {
	payload, _ := json.Marshal(r)
	s.server.Send(Envelope{Kind: KindProgress, ID: uuid.NewString(), Payload: payload})
}
