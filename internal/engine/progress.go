package engine

// ProgressReport is one model-loading progress update. Reload emits a
// sequence of these ending at Progress == 1, including on idempotent no-op
// reloads, so callers cannot distinguish "already loaded" except by latency.
type ProgressReport struct {
	ModelID  string  `json:"model_id"`
	Progress float64 `json:"progress"`
	Text     string  `json:"text"`
}

// ProgressFunc receives loading progress. Implementations must be
// lightweight and non-blocking.
type ProgressFunc func(ProgressReport)

func (e *Engine) reportProgress(modelID string, progress float64, text string) {
	if e.progress == nil {
		return
	}
	e.progress(ProgressReport{ModelID: modelID, Progress: progress, Text: text})
}
