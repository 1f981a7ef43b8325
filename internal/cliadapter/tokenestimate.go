package cliadapter

import (
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Offline BPE loader: the dispatcher runs in environments with no
	// outbound internet access, so encoding files must never be fetched
	// over the network at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// tokenEstimator falls back to a local token count when a "result" message's
// usage sub-object is missing token counts entirely (observed against older
// agent binary builds). It never replaces a usage object the agent itself
// reported.
type tokenEstimator struct {
	mu  sync.RWMutex
	enc *tiktoken.Tiktoken
}

// defaultEstimator is shared across every Adapter instance; tiktoken
// encodings are safe for concurrent use once loaded.
var defaultEstimator = &tokenEstimator{}

// encoding lazily loads cl100k_base, the closest public tiktoken encoding to
// Claude's own tokenizer, and caches it for the process lifetime.
func (e *tokenEstimator) encoding() (*tiktoken.Tiktoken, error) {
	e.mu.RLock()
	if e.enc != nil {
		e.mu.RUnlock()
		return e.enc, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc != nil {
		return e.enc, nil
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	e.enc = enc
	return enc, nil
}

// estimateTokens counts text's tokens, or falls back to a rough
// four-characters-per-token heuristic if the encoding can't be loaded (e.g.
// the BPE ranks file isn't embedded in this build).
func (e *tokenEstimator) estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := e.encoding()
	if err != nil {
		slog.Debug("tokenestimate falling back to heuristic", slog.Any("error", err))
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// estimateUsageFromResult returns an estimated output-token count for the
// completion text alone; extractUsage stores it as OutputTokens. Prompt text
// never reaches this package, so InputTokens stays at zero rather than being
// guessed.
func estimateUsageFromResult(result string) int {
	return defaultEstimator.estimateTokens(result)
}
