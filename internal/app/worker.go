package app

import (
	"relaygate/internal/engine"
	"relaygate/internal/worker"
)

// Worker builds a worker loop around eng with the configured timeouts.
func (a *App) Worker(eng engine.Engine) *worker.Worker {
	return worker.New(a.Queue, a.Tokens, a.Results, a.Cache, eng, worker.Config{
		ModelID:     a.Config.Engine.Model,
		PollTimeout: a.Config.Worker.PollTimeout.Std(),
		JobTimeout:  a.Config.Worker.JobTimeout.Std(),
		CacheTTL:    a.Config.Store.CacheTTL(),
	}, a.Logger)
}
