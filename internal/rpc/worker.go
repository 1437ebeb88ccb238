package rpc

import (
	"context"

	"github.com/rs/zerolog"

	"llmd/internal/engine"
)

// Worker hosts an engine behind an in-memory channel, modelling the
// engine-in-a-worker deployment where requests hop one message boundary but
// both sides live in the same process.
type Worker struct {
	disp   *Dispatcher
	server Channel
	client Channel
	cancel context.CancelFunc
}

// NewWorker wires eng to a fresh pipe and starts serving. The returned
// worker's client channel is what callers hand to NewClient.
func NewWorker(eng *engine.Engine, log *zerolog.Logger) *Worker {
	server, client := Pipe()
	w := &Worker{
		disp:   NewDispatcher(eng, log),
		server: server,
		client: client,
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.disp.Serve(ctx, server)
	return w
}

// ClientChannel is the caller-side end of the worker's pipe.
func (w *Worker) ClientChannel() Channel { return w.client }

// ProgressFunc returns an observer that pushes load progress to the client.
func (w *Worker) ProgressFunc() func(engine.ProgressReport) {
	return w.disp.ProgressFunc(w.server)
}

// Stop shuts the worker down.
func (w *Worker) Stop() {
	w.cancel()
	w.server.Close()
}
