package verify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/payhook/internal/log"
	"github.com/mattjoyce/payhook/internal/payment"
)

// PayPal transmission headers.
const (
	PayPalTransmissionIDHeader   = "Paypal-Transmission-Id"
	PayPalTransmissionTimeHeader = "Paypal-Transmission-Time"
	PayPalTransmissionSigHeader  = "Paypal-Transmission-Sig"
	PayPalCertURLHeader          = "Paypal-Cert-Url"
	PayPalAuthAlgoHeader         = "Paypal-Auth-Algo"
)

const (
	payPalAuthAlgo        = "SHA256withRSA"
	defaultCertCacheTTL   = 24 * time.Hour
	maxCertificateBytes   = 64 << 10
	defaultCertFetchLimit = 5 * time.Second
)

// DefaultPayPalCertHosts are the hosts PayPal serves signing certificates from.
var DefaultPayPalCertHosts = []string{
	"api.paypal.com",
	"api-m.paypal.com",
	"api.sandbox.paypal.com",
	"api-m.sandbox.paypal.com",
}

// PayPalConfig configures a PayPal verifier.
type PayPalConfig struct {
	WebhookID    string
	CertHosts    []string
	CertCacheTTL time.Duration
	Tolerance    time.Duration
	Client       *http.Client
}

// PayPal verifies PayPal transmission signatures offline against the
// certificate named by Paypal-Cert-Url. Certificates are cached per URL
// until they expire or the cache TTL elapses, whichever is first.
type PayPal struct {
	webhookID string
	hosts     map[string]struct{}
	ttl       time.Duration
	tolerance time.Duration
	client    *http.Client
	now       func() time.Time

	mu    sync.Mutex
	certs map[string]cachedCert
}

type cachedCert struct {
	cert      *x509.Certificate
	expiresAt time.Time
}

// NewPayPal returns a PayPal verifier.
func NewPayPal(cfg PayPalConfig) *PayPal {
	p := &PayPal{
		webhookID: cfg.WebhookID,
		hosts:     make(map[string]struct{}),
		ttl:       cfg.CertCacheTTL,
		tolerance: cfg.Tolerance,
		client:    cfg.Client,
		now:       time.Now,
		certs:     make(map[string]cachedCert),
	}
	hosts := cfg.CertHosts
	if len(hosts) == 0 {
		hosts = DefaultPayPalCertHosts
	}
	for _, h := range hosts {
		p.hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	if p.ttl <= 0 {
		p.ttl = defaultCertCacheTTL
	}
	if p.tolerance <= 0 {
		p.tolerance = DefaultTolerance
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: defaultCertFetchLimit}
	}
	return p
}

func (p *PayPal) Verify(ctx context.Context, body []byte, headers http.Header) error {
	transmissionID := headers.Get(PayPalTransmissionIDHeader)
	transmissionTime := headers.Get(PayPalTransmissionTimeHeader)
	sig := headers.Get(PayPalTransmissionSigHeader)
	certURL := headers.Get(PayPalCertURLHeader)
	if transmissionID == "" || transmissionTime == "" || sig == "" || certURL == "" {
		return fmt.Errorf("paypal: %w", payment.ErrMissingHeaders)
	}
	if algo := headers.Get(PayPalAuthAlgoHeader); algo != "" && !strings.EqualFold(algo, payPalAuthAlgo) {
		return fmt.Errorf("paypal: %w", payment.ErrSignatureInvalid)
	}
	if p.webhookID == "" {
		return fmt.Errorf("paypal: %w", payment.ErrSignatureInvalid)
	}

	sentAt, err := time.Parse(time.RFC3339, transmissionTime)
	if err != nil {
		return fmt.Errorf("paypal: %w", payment.ErrSignatureInvalid)
	}
	now := p.now()
	if !withinTolerance(now, sentAt, p.tolerance) {
		return fmt.Errorf("paypal: %w", payment.ErrTimestampOutOfTolerance)
	}

	rawSig, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("paypal: %w", payment.ErrSignatureInvalid)
	}

	cert, err := p.certificate(ctx, certURL, now)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("paypal: %w", payment.ErrSignatureInvalid)
	}

	digest := sha256.Sum256([]byte(payPalSignedMessage(transmissionID, transmissionTime, p.webhookID, body)))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], rawSig); err != nil {
		return fmt.Errorf("paypal: %w", payment.ErrSignatureInvalid)
	}
	return nil
}

// payPalSignedMessage builds "<transmission id>|<transmission time>|<webhook id>|<crc32 of body>".
func payPalSignedMessage(transmissionID, transmissionTime, webhookID string, body []byte) string {
	crc := strconv.FormatUint(uint64(crc32.ChecksumIEEE(body)), 10)
	return strings.Join([]string{transmissionID, transmissionTime, webhookID, crc}, "|")
}

func (p *PayPal) certificate(ctx context.Context, rawURL string, now time.Time) (*x509.Certificate, error) {
	if err := p.allowed(rawURL); err != nil {
		return nil, err
	}

	p.mu.Lock()
	cached, ok := p.certs[rawURL]
	if ok && now.Before(cached.expiresAt) {
		p.mu.Unlock()
		return cached.cert, nil
	}
	if ok {
		delete(p.certs, rawURL)
	}
	p.mu.Unlock()

	cert, err := p.fetch(ctx, rawURL)
	if err != nil {
		log.WithComponent("verify").Warn("paypal certificate fetch failed", "cert_url", rawURL, "error", err)
		return nil, fmt.Errorf("paypal: %w", payment.ErrCertificateUnavailable)
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, fmt.Errorf("paypal: certificate not valid at %s: %w", now.UTC().Format(time.RFC3339), payment.ErrSignatureInvalid)
	}

	expiresAt := now.Add(p.ttl)
	if cert.NotAfter.Before(expiresAt) {
		expiresAt = cert.NotAfter
	}
	p.mu.Lock()
	p.certs[rawURL] = cachedCert{cert: cert, expiresAt: expiresAt}
	p.mu.Unlock()
	return cert, nil
}

func (p *PayPal) allowed(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return fmt.Errorf("paypal: cert url rejected: %w", payment.ErrSignatureInvalid)
	}
	if _, ok := p.hosts[strings.ToLower(u.Hostname())]; !ok {
		return fmt.Errorf("paypal: cert host %q not allowed: %w", u.Hostname(), payment.ErrSignatureInvalid)
	}
	return nil
}

func (p *PayPal) fetch(ctx context.Context, rawURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get certificate: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCertificateBytes))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("decode certificate: no PEM certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}
