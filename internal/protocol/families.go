package protocol

import (
	"context"
	"errors"
)

// Content types sent by the built-in families.
const (
	contentTypeAtom     = "application/atom+xml"
	contentTypeSalmon   = "application/magic-envelope+xml"
	contentTypeDiaspora = "application/json"
)

var errNoTarget = errors.New("contact has no delivery endpoint")

// dfrnDeliverer posts to the contact's notify endpoint, falling back to
// the profile URL for contacts that never published one.
type dfrnDeliverer struct{ transport Transport }

func (d dfrnDeliverer) Deliver(ctx context.Context, req Request) Result {
	target := req.Contact.Notify
	if target == "" {
		target = req.Contact.URL
	}
	if target == "" {
		return Result{Outcome: TransientFailure, Err: errNoTarget}
	}
	status, err := d.transport.Post(ctx, target, contentTypeAtom, req.Payload())
	return ResultFromStatus(target, status, err)
}

// ostatusDeliverer slaps a Salmon envelope to the contact's notify endpoint.
type ostatusDeliverer struct{ transport Transport }

func (d ostatusDeliverer) Deliver(ctx context.Context, req Request) Result {
	target := req.Contact.Notify
	status, err := d.transport.Post(ctx, target, contentTypeSalmon, req.Payload())
	return ResultFromStatus(target, status, err)
}

// diasporaDeliverer sends private entries to the contact's inbox and
// batch entries to the shared public inbox when one is known.
type diasporaDeliverer struct{ transport Transport }

func (d diasporaDeliverer) Deliver(ctx context.Context, req Request) Result {
	target, contentType := req.Contact.Notify, contentTypeDiaspora
	if req.IsBatch() {
		contentType = contentTypeSalmon
		if req.Contact.Batch != "" {
			target = req.Contact.Batch
		}
	}
	status, err := d.transport.Post(ctx, target, contentType, req.Payload())
	return ResultFromStatus(target, status, err)
}

// RegisterBuiltins installs the DFRN, OStatus and Diaspora families.
// OStatus and Diaspora need a notify address before they attempt
// anything; DFRN does not.
func RegisterBuiltins(r *Registry, transport Transport) {
	r.Register(DFRN, dfrnDeliverer{transport: transport}, false)
	r.Register(OStatus, ostatusDeliverer{transport: transport}, true)
	r.Register(Diaspora, diasporaDeliverer{transport: transport}, true)
}
