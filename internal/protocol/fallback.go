package protocol

import (
	"context"
	"fmt"
	"sync"
)

// Fallback delivers requests for families the registry does not know.
type Fallback interface {
	DeliverQueued(ctx context.Context, req Request) Result
}

// HookParams is handed to each fallback hook. A hook that handles the
// request sets Result; later hooks see what earlier ones decided.
type HookParams struct {
	Request Request // owner, contact and the raw queue entry
	Handled bool    // set by a hook that recognised the family
	Result  bool    // delivery succeeded
}

// Hook is an extension that may deliver entries for additional families.
type Hook func(ctx context.Context, params *HookParams)

// HookChain runs hooks in registration order. The request is delivered
// when the final Result is true.
type HookChain struct {
	mu    sync.RWMutex
	hooks []Hook
}

// Add appends a hook.
func (c *HookChain) Add(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Len returns the number of hooks.
func (c *HookChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks)
}

// DeliverQueued implements Fallback
func (c *HookChain) DeliverQueued(ctx context.Context, req Request) Result {
	c.mu.RLock()
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.RUnlock()

	params := &HookParams{Request: req}
	for _, h := range hooks {
		h(ctx, params)
	}

	if params.Result {
		return Result{Outcome: Success, Target: req.Contact.Notify}
	}
	return Result{Outcome: TransientFailure, Target: req.Contact.Notify, Err: errNoHandler(req, params.Handled)}
}

func errNoHandler(req Request, handled bool) error {
	if handled {
		return fmt.Errorf("delivery hook for family %q reported failure", req.Contact.Network)
	}
	return fmt.Errorf("no delivery capability for family %q", req.Contact.Network)
}
