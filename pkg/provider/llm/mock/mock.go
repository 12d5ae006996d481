// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled turns and classification
// labels without a live LLM backend. All fields are safe to set before
// calling any method; mutating them during a concurrent call is the caller's
// responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Turns: []llm.Turn{{Text: "[STEP: greet] Hello!"}},
//	}
//	turn, err := p.Converse(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/crosstalk/pkg/provider/llm"
	"github.com/MrWong99/crosstalk/pkg/types"
)

// ConverseCall records a single invocation of Converse.
type ConverseCall struct {
	// Ctx is the context passed to Converse.
	Ctx context.Context
	// Req is the ConverseRequest passed to Converse.
	Req llm.ConverseRequest
}

// ClassifyCall records a single invocation of Classify.
type ClassifyCall struct {
	// Prompt is the prompt passed to Classify.
	Prompt string
	// Choices is the choice list passed to Classify.
	Choices []string
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Turns is a queue of responses for Converse. Each call pops the next
	// entry; when the queue is exhausted the last entry is repeated. When
	// empty, Converse returns an empty Turn.
	Turns []llm.Turn

	// ConverseErr, if non-nil, is returned as the error from Converse.
	ConverseErr error

	// ConverseFn, if non-nil, overrides Turns entirely.
	ConverseFn func(ctx context.Context, req llm.ConverseRequest) (*llm.Turn, error)

	// ClassifyResult is returned by Classify.
	ClassifyResult string

	// ClassifyErr, if non-nil, is returned as the error from Classify.
	ClassifyErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	// ConverseCalls records every invocation of Converse in order.
	ConverseCalls []ConverseCall

	// ClassifyCalls records every invocation of Classify in order.
	ClassifyCalls []ClassifyCall

	turnIdx int
}

// Compile-time check: Provider must implement llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Converse records the call and returns the next queued Turn.
func (p *Provider) Converse(ctx context.Context, req llm.ConverseRequest) (*llm.Turn, error) {
	p.mu.Lock()
	p.ConverseCalls = append(p.ConverseCalls, ConverseCall{Ctx: ctx, Req: req})
	fn := p.ConverseFn
	if fn != nil {
		p.mu.Unlock()
		return fn(ctx, req)
	}
	if p.ConverseErr != nil {
		err := p.ConverseErr
		p.mu.Unlock()
		return nil, err
	}
	if len(p.Turns) == 0 {
		p.mu.Unlock()
		return &llm.Turn{}, nil
	}
	idx := p.turnIdx
	if idx >= len(p.Turns) {
		idx = len(p.Turns) - 1
	} else {
		p.turnIdx++
	}
	turn := p.Turns[idx]
	p.mu.Unlock()
	return &turn, nil
}

// Classify records the call and returns ClassifyResult or ClassifyErr.
func (p *Provider) Classify(_ context.Context, prompt string, choices []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClassifyCalls = append(p.ClassifyCalls, ClassifyCall{Prompt: prompt, Choices: choices})
	if p.ClassifyErr != nil {
		return "", p.ClassifyErr
	}
	return p.ClassifyResult, nil
}

// Capabilities returns the configured ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}
