package httpapi

import (
	"context"

	"llmd/internal/engine"
	"llmd/internal/rpc"
	"llmd/pkg/types"
)

// engineService adapts the in-process engine to the Service interface; only
// the stream-returning methods need wrapping.
type engineService struct {
	*engine.Engine
}

// NewEngineService wraps a local engine.
func NewEngineService(e *engine.Engine) Service { return engineService{e} }

func (s engineService) ChatCompletionStream(ctx context.Context, req *types.ChatCompletionRequest) (Stream, error) {
	st, err := s.Engine.ChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s engineService) CompletionStream(ctx context.Context, req *types.CompletionRequest) (Stream, error) {
	st, err := s.Engine.CompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// clientService adapts the RPC client to the Service interface.
type clientService struct {
	*rpc.Client
}

// NewClientService wraps an RPC client.
func NewClientService(c *rpc.Client) Service { return clientService{c} }

func (s clientService) ChatCompletionStream(ctx context.Context, req *types.ChatCompletionRequest) (Stream, error) {
	st, err := s.Client.ChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s clientService) CompletionStream(ctx context.Context, req *types.CompletionRequest) (Stream, error) {
	st, err := s.Client.CompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}
