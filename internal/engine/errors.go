package engine

import "strings"

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// ErrTooBusy returns a backpressure error for the given model.
func ErrTooBusy(modelID string) error { return tooBusyError{modelID: modelID} }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	_, ok := err.(tooBusyError)
	return ok
}

// modelNotFoundError reports a model id absent from the registry records.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error for a model id not present in the registry.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// noModelLoadedError reports an operation that needs a loaded pipeline when
// none exists.
type noModelLoadedError struct{}

func (noModelLoadedError) Error() string { return "no model loaded" }

// ErrNoModelLoaded returns the empty-registry error.
func ErrNoModelLoaded() error { return noModelLoadedError{} }

// IsNoModelLoaded reports whether err indicates an empty registry.
func IsNoModelLoaded(err error) bool {
	_, ok := err.(noModelLoadedError)
	return ok
}

// ambiguousModelError reports a call that omitted the model id while more
// than one model is loaded.
type ambiguousModelError struct{ loaded []string }

func (e ambiguousModelError) Error() string {
	return "ambiguous model selection, specify one of: " + strings.Join(e.loaded, ", ")
}

// ErrAmbiguousModel returns an ambiguous-selection error listing the loaded ids.
func ErrAmbiguousModel(loaded []string) error { return ambiguousModelError{loaded: loaded} }

// IsAmbiguousModel reports whether err indicates an ambiguous model selection.
func IsAmbiguousModel(err error) bool {
	_, ok := err.(ambiguousModelError)
	return ok
}

// configError reports an invalid generation config or model record, rejected
// before any pipeline work starts.
type configError struct{ msg string }

func (e configError) Error() string { return "invalid config: " + e.msg }

// ErrConfig constructs a configError.
func ErrConfig(msg string) error { return configError{msg: msg} }

// IsConfigError reports whether err is a pre-generation validation failure.
func IsConfigError(err error) bool {
	_, ok := err.(configError)
	return ok
}

// unsupportedModelError reports a record whose hardware requirements exceed
// the probed device capabilities.
type unsupportedModelError struct{ msg string }

func (e unsupportedModelError) Error() string { return "unsupported model: " + e.msg }

// ErrUnsupportedModel returns a capability rejection.
func ErrUnsupportedModel(msg string) error { return unsupportedModelError{msg: msg} }

// IsUnsupportedModel reports whether err is a capability rejection.
func IsUnsupportedModel(err error) bool {
	_, ok := err.(unsupportedModelError)
	return ok
}
