// Package fetch implements the job-side artifact fetchers that run inside
// build pods: they pull the image squashfs or recipe archive named by the
// job, unpack it into the build directory and keep the job status current.
package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"imshelper/ims"
	"imshelper/pkg/s3"
)

const (
	imageArchiveName  = "image.sqsh"
	imageRootDirName  = "image-root"
	recipeArchiveName = "recipe.tgz"
)

// signalFiles are the files the build job uses to sequence its phases. A
// stale one left over from a previous run would short-circuit the build, so
// the fetcher removes them after the download.
var signalFiles = []string{"ready", "complete", "exiting"}

// JobStatusSetter updates the job record as the fetch progresses. *ims.Client
// satisfies it.
type JobStatusSetter interface {
	SetJobStatus(ctx context.Context, jobID, status string) (*ims.Result, error)
}

// ObjectDownloader serves s3:// artifact URLs. *s3.Client satisfies it.
type ObjectDownloader interface {
	Download(ctx context.Context, bucket, key, dest, expectedMD5 string) (int64, error)
}

// Config assembles a Fetcher.
type Config struct {
	// Jobs updates the job status; required.
	Jobs JobStatusSetter

	// JobID is the job being fetched for; required.
	JobID string

	// HTTPClient downloads http(s) artifact URLs. It should already carry
	// the retrying transport from pkg/oauth.
	HTTPClient *http.Client

	// Store serves s3:// artifact URLs; optional when only http URLs are
	// fetched.
	Store ObjectDownloader

	// ExpectedMD5, when set, is verified against the downloaded archive.
	ExpectedMD5 string

	// DictionaryPath is the recipe template value file; defaults to
	// /etc/cray/template_dictionary.
	DictionaryPath string

	Logger *logrus.Logger
}

const defaultDictionaryPath = "/etc/cray/template_dictionary"

// Fetcher downloads and unpacks job artifacts.
type Fetcher struct {
	jobs        JobStatusSetter
	jobID       string
	httpc       *http.Client
	store       ObjectDownloader
	expectedMD5 string
	dictPath    string
	log         *logrus.Logger

	// runCommand is swapped out by tests.
	runCommand func(ctx context.Context, name string, args ...string) error
}

// New validates cfg and returns a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job status setter is required")
	}
	if cfg.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.DictionaryPath == "" {
		cfg.DictionaryPath = defaultDictionaryPath
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Fetcher{
		jobs:        cfg.Jobs,
		jobID:       cfg.JobID,
		httpc:       cfg.HTTPClient,
		store:       cfg.Store,
		expectedMD5: cfg.ExpectedMD5,
		dictPath:    cfg.DictionaryPath,
		log:         cfg.Logger,
		runCommand:  runCommand,
	}, nil
}

// FetchImage downloads the image squashfs into dir and, when unpack is set,
// expands it into dir/image-root and removes the archive. Any failure moves
// the job to the error status before returning.
func (f *Fetcher) FetchImage(ctx context.Context, dir, url string, unpack bool) error {
	if err := f.setStatus(ctx, "fetching_image"); err != nil {
		return err
	}

	if err := f.fetchImage(ctx, dir, url, unpack); err != nil {
		f.markError(ctx)
		return err
	}
	return nil
}

func (f *Fetcher) fetchImage(ctx context.Context, dir, url string, unpack bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}

	archive := filepath.Join(dir, imageArchiveName)
	f.log.WithFields(logrus.Fields{"url": url, "dest": archive}).Info("fetching image")
	if err := f.download(ctx, url, archive); err != nil {
		return err
	}

	if err := f.deleteSignalFiles(dir); err != nil {
		return err
	}

	if !unpack {
		f.log.Info("skipping image unsquash")
		return nil
	}

	f.log.WithField("dir", dir).Info("uncompressing image")
	if err := f.runCommand(ctx, "unsquashfs", "-f", "-d", filepath.Join(dir, imageRootDirName), archive); err != nil {
		return fmt.Errorf("unsquash image root: %w", err)
	}

	f.log.WithField("archive", archive).Info("deleting compressed image")
	if err := os.Remove(archive); err != nil {
		return fmt.Errorf("remove image archive: %w", err)
	}
	return nil
}

// FetchRecipe downloads the recipe archive into dir, extracts it and applies
// template substitution. The archive is removed whether or not the fetch
// succeeds; any failure moves the job to the error status before returning.
func (f *Fetcher) FetchRecipe(ctx context.Context, dir, url string) error {
	if err := f.setStatus(ctx, "fetching_recipe"); err != nil {
		return err
	}

	if err := f.fetchRecipe(ctx, dir, url); err != nil {
		f.markError(ctx)
		return err
	}
	return nil
}

func (f *Fetcher) fetchRecipe(ctx context.Context, dir, url string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recipe directory: %w", err)
	}

	archive := filepath.Join(dir, recipeArchiveName)
	f.log.WithFields(logrus.Fields{"url": url, "dest": archive}).Info("fetching recipe")
	if err := f.download(ctx, url, archive); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
			f.log.WithError(err).Warn("failed to remove recipe archive")
		}
	}()

	f.log.WithField("dir", dir).Info("uncompressing recipe")
	if err := extractTarGz(archive, dir); err != nil {
		return fmt.Errorf("extract recipe: %w", err)
	}

	f.log.Info("templating recipe")
	return f.templateRecipe(dir)
}

func (f *Fetcher) setStatus(ctx context.Context, status string) error {
	f.log.WithField("status", status).Info("setting job status")
	if _, err := f.jobs.SetJobStatus(ctx, f.jobID, status); err != nil {
		return fmt.Errorf("set job status %q: %w", status, err)
	}
	return nil
}

// markError is best effort; the original fetch error is what the caller
// reports.
func (f *Fetcher) markError(ctx context.Context) {
	if _, err := f.jobs.SetJobStatus(ctx, f.jobID, "error"); err != nil {
		f.log.WithError(err).Warn("failed to set job status to error")
	}
}

// download fetches url into dest, routing s3:// URLs through the object
// store and everything else through the HTTP client. The file is written to
// a temp path and renamed into place so a partial download never shadows a
// complete one; the digest is verified when configured.
func (f *Fetcher) download(ctx context.Context, url, dest string) error {
	if strings.HasPrefix(url, "s3://") {
		if f.store == nil {
			return fmt.Errorf("s3 url %s requires an object store", url)
		}
		bucket, key, err := s3.ParseURL(url)
		if err != nil {
			return err
		}
		if _, err := f.store.Download(ctx, bucket, key, dest, f.expectedMD5); err != nil {
			return fmt.Errorf("download %s: %w", url, err)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", url, err)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}

	if f.expectedMD5 != "" {
		sum := hex.EncodeToString(hash.Sum(nil))
		if sum != f.expectedMD5 {
			return fmt.Errorf("md5 mismatch for %s: got %s, want %s", url, sum, f.expectedMD5)
		}
		f.log.Info("verified md5sum of the downloaded file")
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (f *Fetcher) deleteSignalFiles(dir string) error {
	for _, name := range signalFiles {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove signal file %s: %w", path, err)
		}
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
