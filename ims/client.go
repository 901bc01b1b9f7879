// Package ims is a client for the image management service (IMS): it
// uploads build artifacts to the object store and keeps the corresponding
// image, recipe and job records in sync.
package ims

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"imshelper/pkg/s3"
)

// DefaultAPIURL is the in-cluster base URL of the image service.
const DefaultAPIURL = "https://api-gw-service-nmn.local/apis/ims"

// Version is the helper release baked into the User-Agent header.
const Version = "3.0.0"

// ObjectStore is the object-store surface the client needs. *s3.Client
// satisfies it; tests substitute an in-memory fake.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key, path string, metadata map[string]string) (string, error)
	Head(ctx context.Context, bucket, key string) (*s3.HeadInfo, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// Config assembles a Client.
type Config struct {
	// URL is the IMS base URL; DefaultAPIURL when empty.
	URL string

	// HTTPClient is the authenticated session from pkg/oauth.
	HTTPClient *http.Client

	// Store and Bucket locate artifact uploads.
	Store  ObjectStore
	Bucket string

	Logger *logrus.Logger
}

// Client talks to the image service and its artifact bucket.
type Client struct {
	baseURL   string
	httpc     *http.Client
	store     ObjectStore
	bucket    string
	log       *logrus.Logger
	userAgent string
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.HTTPClient == nil {
		return nil, errors.New("http client is required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultAPIURL
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		httpc:     cfg.HTTPClient,
		store:     cfg.Store,
		bucket:    cfg.Bucket,
		log:       cfg.Logger,
		userAgent: "ims-go-helper/" + Version,
	}, nil
}

// APIError is a non-2xx response from the service, carrying the problem
// body when one was returned.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("ims: unexpected status %d", e.StatusCode)
	if e.Title != "" {
		msg += ": " + e.Title
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// do issues a JSON request against path and decodes the response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.WithFields(logrus.Fields{"method": method, "url": url}).Debug("ims request")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&problem); decodeErr == nil {
			apiErr.Title = problem.Title
			apiErr.Detail = problem.Detail
		}
		return apiErr
	}

	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, url, err)
	}
	return nil
}
