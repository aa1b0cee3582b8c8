package ingest

import (
	"testing"
	"time"

	"github.com/mattjoyce/payhook/internal/config"
	"github.com/mattjoyce/payhook/internal/payment"
)

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.IngestConfig{
		Listen:      "127.0.0.1:9000",
		Deadline:    5 * time.Second,
		MaxBodySize: "256KB",
		Providers: map[string]config.ProviderConfig{
			"stripe": {Secret: "whsec"},
			"paypal": {Path: "/hooks/pp", WebhookID: "WH", MaxBodySize: "2MB"},
		},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" || cfg.Deadline != 5*time.Second || cfg.MaxBodySize != 256*1024 {
		t.Fatalf("unexpected server config: %+v", cfg)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("endpoints = %d, want 2", len(cfg.Endpoints))
	}

	pp, st := cfg.Endpoints[0], cfg.Endpoints[1]
	if pp.Provider != payment.ProviderPayPal || pp.Path != "/hooks/pp" || pp.MaxBodySize != 2*1024*1024 {
		t.Fatalf("unexpected paypal endpoint: %+v", pp)
	}
	if st.Provider != payment.ProviderStripe || st.Path != "/webhooks/stripe" || st.MaxBodySize != 0 {
		t.Fatalf("unexpected stripe endpoint: %+v", st)
	}
}

func TestFromConfigRejectsUnknownProvider(t *testing.T) {
	_, err := FromConfig(config.IngestConfig{
		Providers: map[string]config.ProviderConfig{"adyen": {Secret: "x"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestFromConfigRejectsBadSize(t *testing.T) {
	_, err := FromConfig(config.IngestConfig{MaxBodySize: "huge"})
	if err == nil {
		t.Fatal("expected error for invalid size")
	}
}
