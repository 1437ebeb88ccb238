//go:build !llama

package backend

import "errors"

// llamaBuilt indicates this binary was compiled with native llama support.
var llamaBuilt = false

func newLlama(contextWindow int) (Backend, Tokenizer, error) {
	return nil, nil, errors.New("built without llama support (rebuild with -tags llama)")
}
