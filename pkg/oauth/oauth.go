// Package oauth builds the authenticated HTTP session used for every call
// to services behind the API gateway. Credentials follow the admin-client
// convention: explicit values win, then OAUTH_* environment variables, then
// the client-id/client-secret/endpoint files under OAUTH_CONFIG_DIR.
package oauth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultConfigDir = "/etc/admin-client-auth"

// Gateway retries match the legacy session behaviour: up to ten attempts
// with exponential backoff on gateway errors.
const (
	retryMax     = 10
	retryWaitMin = 2 * time.Second
	retryWaitMax = 64 * time.Second
)

// Config carries the inputs needed to establish a session.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string

	// CACertPath points at the system CA certificate. When empty the
	// session skips TLS verification and logs a warning, matching the
	// historical gateway deployment.
	CACertPath string

	Timeout time.Duration
	Logger  *logrus.Logger
}

// Resolve fills any unset credential fields from the environment and the
// admin client-auth config directory.
func (c *Config) Resolve() {
	dir := os.Getenv("OAUTH_CONFIG_DIR")
	if dir == "" {
		dir = defaultConfigDir
	}

	if c.ClientID == "" {
		c.ClientID = firstNonEmpty(os.Getenv("OAUTH_CLIENT_ID"), readTrimmed(filepath.Join(dir, "client-id")))
	}
	if c.ClientSecret == "" {
		c.ClientSecret = firstNonEmpty(os.Getenv("OAUTH_CLIENT_SECRET"), readTrimmed(filepath.Join(dir, "client-secret")))
	}
	if c.TokenURL == "" {
		c.TokenURL = firstNonEmpty(os.Getenv("OAUTH_CLIENT_ENDPOINT"), readTrimmed(filepath.Join(dir, "endpoint")))
	}
	if c.CACertPath == "" {
		c.CACertPath = os.Getenv("CA_CERT")
	}
}

func (c *Config) validate() error {
	if c.ClientID == "" || c.ClientSecret == "" || c.TokenURL == "" {
		return errors.New(
			"invalid oauth configuration: client id, client secret and token url are all required; " +
				"determine the specific information that is missing or invalid and re-run the request")
	}
	return nil
}

// NewSession authenticates with the token endpoint and returns an
// *http.Client that injects the bearer token, refreshes it on expiry, and
// retries gateway errors. The initial token fetch is retried with capped
// exponential backoff until it succeeds or ctx is done.
func NewSession(ctx context.Context, cfg Config) (*http.Client, error) {
	cfg.Resolve()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	base, err := newTransport(cfg.CACertPath, log)
	if err != nil {
		return nil, err
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = retryMax
	retry.RetryWaitMin = retryWaitMin
	retry.RetryWaitMax = retryWaitMax
	retry.Logger = nil
	retry.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(&loggingTransport{next: base, log: log}),
		Timeout:   cfg.Timeout,
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}

	// Route the token exchange (and later refreshes) through the retrying
	// transport.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, retry.StandardClient())
	source := cc.TokenSource(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = retryWaitMax
	policy.MaxElapsedTime = 0
	err = backoff.Retry(func() error {
		if _, tokenErr := source.Token(); tokenErr != nil {
			log.WithError(tokenErr).Warn("unable to obtain token from auth service, retrying")
			return tokenErr
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch oauth token: %w", err)
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, source),
			Base:   retry.StandardClient().Transport,
		},
		Timeout: cfg.Timeout,
	}, nil
}

// NewInsecureSession returns an unauthenticated client with the same retry
// and TLS behaviour, for endpoints that sit outside the gateway.
func NewInsecureSession(caCertPath string, timeout time.Duration, log *logrus.Logger) (*http.Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	base, err := newTransport(caCertPath, log)
	if err != nil {
		return nil, err
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = retryMax
	retry.RetryWaitMin = retryWaitMin
	retry.RetryWaitMax = retryWaitMax
	retry.Logger = nil
	retry.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(&loggingTransport{next: base, log: log}),
		Timeout:   timeout,
	}
	return retry.StandardClient(), nil
}

func newTransport(caCertPath string, log *logrus.Logger) (http.RoundTripper, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caCertPath == "" {
		log.Warn("unverified HTTPS requests are being made; set CA_CERT to enable certificate verification")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		return transport, nil
	}

	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate %q: %w", caCertPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %q", caCertPath)
	}
	transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	return transport, nil
}

// loggingTransport dumps request/response lines at debug level, mirroring
// the request hooks the service tooling has always had.
type loggingTransport struct {
	next http.RoundTripper
	log  *logrus.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	debug := t.log.IsLevelEnabled(logrus.DebugLevel)
	if debug {
		t.log.WithFields(logrus.Fields{
			"method": req.Method,
			"url":    req.URL.String(),
		}).Debug("request")
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if debug {
		t.log.WithFields(logrus.Fields{
			"method": req.Method,
			"url":    req.URL.String(),
			"status": resp.StatusCode,
		}).Debug("response")
	}
	return resp, nil
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
