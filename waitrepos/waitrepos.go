// Package waitrepos gates a kiwi-ng build on the availability of the
// zypper repositories its recipe references: it reads the repo URLs out of
// the recipe's config.xml and polls each one until its repomd.xml answers.
package waitrepos

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultInterval     = 10 * time.Second
	defaultProbeTimeout = 10 * time.Second
)

// Waiter polls recipe repositories until they serve metadata.
type Waiter struct {
	httpc        *http.Client
	interval     time.Duration
	probeTimeout time.Duration
	log          *logrus.Logger
}

// Config assembles a Waiter.
type Config struct {
	// HTTPClient should carry the retrying transport from pkg/oauth.
	HTTPClient *http.Client

	// Interval between polling rounds; 10s when zero.
	Interval time.Duration

	// ProbeTimeout bounds each individual repomd.xml request; 10s when
	// zero.
	ProbeTimeout time.Duration

	Logger *logrus.Logger
}

// New returns a Waiter with defaults filled in.
func New(cfg Config) *Waiter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Waiter{
		httpc:        cfg.HTTPClient,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		log:          cfg.Logger,
	}
}

// kiwi config.xml, reduced to the repository sources.
type kiwiConfig struct {
	Repositories []struct {
		Source struct {
			Path string `xml:"path,attr"`
		} `xml:"source"`
	} `xml:"repository"`
}

// RepoURLs parses the recipe's config.xml and returns its http(s)
// repository sources.
func RepoURLs(recipeRoot string) ([]string, error) {
	path := filepath.Join(recipeRoot, "config.xml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe config: %w", err)
	}

	var cfg kiwiConfig
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var repos []string
	for _, repo := range cfg.Repositories {
		p := repo.Source.Path
		lower := strings.ToLower(p)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			repos = append(repos, p)
		}
	}
	return repos, nil
}

// Wait blocks until every repo serves its repodata/repomd.xml or ctx
// expires. An empty repo list is an error: a kiwi build with no reachable
// repositories cannot proceed, so the caller should fail fast.
func (w *Waiter) Wait(ctx context.Context, repos []string) error {
	if len(repos) == 0 {
		return fmt.Errorf("no http(s) repositories found in recipe")
	}

	w.log.WithField("repos", repos).Info("waiting for recipe repositories")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.allAvailable(ctx, repos) {
			return nil
		}
		w.log.WithField("interval", w.interval).Info("repositories not ready; sleeping")
		select {
		case <-ctx.Done():
			return fmt.Errorf("repositories failed to become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (w *Waiter) allAvailable(ctx context.Context, repos []string) bool {
	for _, repo := range repos {
		if !w.available(ctx, repo) {
			return false
		}
	}
	return true
}

// available probes one repo by HEADing its repomd.xml.
func (w *Waiter) available(ctx context.Context, repo string) bool {
	url := repoMDURL(repo)

	probeCtx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, nil)
	if err != nil {
		w.log.WithError(err).WithField("url", url).Warn("bad repo url")
		return false
	}

	resp, err := w.httpc.Do(req)
	if err != nil {
		w.log.WithError(err).WithField("url", url).Warn("repo not reachable")
		return false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.log.WithFields(logrus.Fields{"url": url, "status": resp.StatusCode}).Warn("repo not ready")
		return false
	}
	w.log.WithField("url", url).Debug("repo available")
	return true
}

func repoMDURL(repo string) string {
	return strings.TrimRight(repo, "/") + "/repodata/repomd.xml"
}
