package protocol

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

type registration struct {
	deliverer      Deliverer
	requiresNotify bool
}

// Registry maps protocol families to their delivery capability. Families
// with no registration go to the fallback.
type Registry struct {
	mu       sync.RWMutex
	families map[Family]registration
	fallback Fallback
	logger   *slog.Logger
}

// NewRegistry creates an empty registry whose fallback is an empty hook
// chain, which reports failure for every request.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		families: make(map[Family]registration),
		fallback: &HookChain{},
		logger:   logger.With("component", "protocol-dispatcher"),
	}
}

// Register installs the deliverer for a family. requiresNotify marks
// families that cannot attempt delivery without a notify address.
func (r *Registry) Register(family Family, d Deliverer, requiresNotify bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[normalize(family)] = registration{deliverer: d, requiresNotify: requiresNotify}
}

// SetFallback installs the capability used for unregistered families.
func (r *Registry) SetFallback(f Fallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = f
}

// Families lists registered families in sorted order.
func (r *Registry) Families() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Family, 0, len(r.families))
	for f := range r.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequiresNotify reports whether the family needs a notify address.
func (r *Registry) RequiresNotify(family Family) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.families[normalize(family)].requiresNotify
}

// Dispatch delivers req with the contact's family. attempted is false when
// the family needs a notify address and the contact has none; no outcome
// is produced in that case.
func (r *Registry) Dispatch(ctx context.Context, req Request) (result Result, attempted bool) {
	family := normalize(Family(req.Contact.Network))

	r.mu.RLock()
	reg, ok := r.families[family]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("dispatch_fallback", "family", family, "contact_id", req.Contact.ID)
		return fallback.DeliverQueued(ctx, req), true
	}

	if reg.requiresNotify && strings.TrimSpace(req.Contact.Notify) == "" {
		return Result{}, false
	}

	return reg.deliverer.Deliver(ctx, req), true
}

func normalize(f Family) Family {
	return Family(strings.ToLower(strings.TrimSpace(string(f))))
}
