// Package verify authenticates inbound payment webhooks.
//
// Each provider has its own Verifier with secrets injected at construction.
// Failures are reported as the payment error sentinels so the ingestion
// endpoint can tell a forged delivery (4xx, never retried) from a transient
// one such as an unreachable certificate host (5xx, provider retries).
// Error values never carry signature material.
package verify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mattjoyce/payhook/internal/payment"
)

// Verifier checks the authenticity of a raw webhook body.
type Verifier interface {
	Verify(ctx context.Context, body []byte, headers http.Header) error
}

// Registry dispatches verification to the configured provider.
type Registry struct {
	verifiers map[payment.Provider]Verifier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[payment.Provider]Verifier)}
}

// Register installs v for provider, replacing any previous verifier.
func (r *Registry) Register(provider payment.Provider, v Verifier) {
	r.verifiers[provider] = v
}

// Has reports whether provider has a verifier.
func (r *Registry) Has(provider payment.Provider) bool {
	_, ok := r.verifiers[provider]
	return ok
}

// Verify authenticates body for provider.
func (r *Registry) Verify(ctx context.Context, provider payment.Provider, body []byte, headers http.Header) error {
	v, ok := r.verifiers[provider]
	if !ok {
		return fmt.Errorf("%w: %q", payment.ErrUnknownProvider, provider)
	}
	return v.Verify(ctx, body, headers)
}
