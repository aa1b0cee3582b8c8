// Package doctor checks a loaded payhook configuration for settings that
// parse cleanly but will misbehave at runtime.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/payhook/internal/auth"
	"github.com/mattjoyce/payhook/internal/config"
	"github.com/mattjoyce/payhook/internal/normalize"
	"github.com/mattjoyce/payhook/internal/payment"
	"github.com/mattjoyce/payhook/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
	// fsCheck is swapped in tests.
	fsCheck func(path string) error
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, fsCheck: storage.CheckLocalFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateProviders(r)
	d.validateTimings(r)
	d.validateDedupCache(r)
	d.validateKafka(r)
	d.validateTokenScopes(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateState checks the database location.
func (d *Doctor) validateState(r *Result) {
	err := d.fsCheck(d.cfg.State.Path)
	switch {
	case errors.Is(err, storage.ErrFilesystemUnknown):
		d.addWarning(r, "state", "state.path", err.Error())
	case err != nil:
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateProviders flags provider settings that weaken verification.
func (d *Doctor) validateProviders(r *Result) {
	for name, p := range d.cfg.Ingest.Providers {
		field := "ingest.providers." + name
		provider, err := payment.ParseProvider(name)
		if err != nil {
			d.addError(r, "providers", field, err.Error())
			continue
		}

		if p.Tolerance > time.Hour {
			d.addWarning(r, "providers", field+".tolerance",
				fmt.Sprintf("tolerance %s widens the replay window well beyond provider retry timing", p.Tolerance))
		}

		switch provider {
		case payment.ProviderStripe:
			if !strings.HasPrefix(p.Secret, "whsec_") {
				d.addWarning(r, "providers", field+".secret",
					"stripe signing secrets start with whsec_; this looks like an API key")
			}
			if !normalize.ValidDisputeReference(p.DisputeReference) {
				d.addError(r, "providers", field+".dispute_reference",
					fmt.Sprintf("dispute_reference %q must be payment_intent or charge", p.DisputeReference))
			}
		case payment.ProviderPayPal:
			for _, host := range p.CertHosts {
				if host != "paypal.com" && !strings.HasSuffix(host, ".paypal.com") {
					d.addWarning(r, "providers", field+".cert_hosts",
						fmt.Sprintf("certificate host %q is not a paypal.com domain", host))
				}
			}
		case payment.ProviderOther:
			if p.TimestampHeader == "" {
				d.addWarning(r, "providers", field+".timestamp_header",
					"no timestamp header: signed payloads can be replayed indefinitely")
			}
		}
	}
}

// validateTimings cross-checks durations that interact.
func (d *Doctor) validateTimings(r *Result) {
	c := d.cfg

	if c.Dedup.PendingTimeout <= c.Workers.Lease {
		d.addError(r, "timing", "dedup.pending_timeout",
			fmt.Sprintf("pending_timeout (%s) must exceed workers.lease (%s) or a slow worker's claim is taken over mid-flight",
				c.Dedup.PendingTimeout, c.Workers.Lease))
	}
	if c.Ingest.Deadline > 30*time.Second {
		d.addWarning(r, "timing", "ingest.deadline",
			fmt.Sprintf("deadline %s exceeds typical provider delivery timeouts", c.Ingest.Deadline))
	}
	if c.Workers.Lease < 10*time.Second {
		d.addWarning(r, "timing", "workers.lease",
			fmt.Sprintf("lease %s is short; items may be redelivered while still being processed", c.Workers.Lease))
	}
	if c.Queue.MaxAttempts > 50 {
		d.addWarning(r, "timing", "queue.max_attempts",
			fmt.Sprintf("max_attempts %d delays dead-lettering of broken events for a long time", c.Queue.MaxAttempts))
	}
}

// validateDedupCache checks the optional redis cache address, which may be
// a redis:// URL or a bare host:port.
func (d *Doctor) validateDedupCache(r *Result) {
	if d.cfg.Dedup.RedisURL == "" {
		return
	}
	u := d.cfg.Dedup.RedisURL
	if strings.Contains(u, "://") {
		if _, err := redis.ParseURL(u); err != nil {
			d.addError(r, "dedup", "dedup.redis_url", fmt.Sprintf("invalid redis URL: %v", err))
		}
		return
	}
	if _, _, err := net.SplitHostPort(u); err != nil {
		d.addError(r, "dedup", "dedup.redis_url", fmt.Sprintf("invalid redis URL: %q is neither a URL nor host:port", u))
	}
}

// validateKafka checks broker addresses.
func (d *Doctor) validateKafka(r *Result) {
	k := d.cfg.DeadLetter.Kafka
	if k == nil {
		return
	}
	for i, b := range k.Brokers {
		if _, _, err := net.SplitHostPort(b); err != nil {
			d.addError(r, "deadletter", fmt.Sprintf("deadletter.kafka.brokers[%d]", i),
				fmt.Sprintf("broker %q must be host:port", b))
		}
	}
}

// validateTokenScopes checks that scopes are ones the admin API knows.
func (d *Doctor) validateTokenScopes(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		if j, dup := seen[token.Token]; dup && token.Token != "" {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				fmt.Sprintf("token value duplicates api.auth.tokens[%d]", j))
		}
		seen[token.Token] = i

		for j, scope := range token.Scopes {
			if !auth.Known(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (known: %s)", scope, strings.Join(auth.KnownScopes(), ", ")))
			}
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"api_key grants full access; prefer tokens with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
