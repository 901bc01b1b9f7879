package s3

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MetadataMD5Sum is the object metadata key carrying the artifact md5 digest.
// The recipe dedup check reads it back on subsequent uploads.
const MetadataMD5Sum = "md5sum"

// API is the slice of the S3 SDK surface the helper uses. The concrete
// *s3.Client satisfies it; tests substitute a fake.
type API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Client is a thin wrapper around the AWS SDK v2 S3 client tuned for the
// Rados gateway endpoints the image service fronts.
type Client struct {
	api        API
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// Config holds the connection settings for an object store endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string

	// SSLVerify mirrors the S3_SSL_VERIFY setting: a false-y string
	// ("false", "off", "no", "f", "0", or empty) disables certificate
	// verification, anything else is treated as a CA bundle path.
	SSLVerify string
}

// HeadInfo describes an object without its body.
type HeadInfo struct {
	ETag     string
	Size     int64
	Metadata map[string]string
}

// NewFromEnv initialises a Client from the S3_* environment variables.
// S3_HOST is honored as a legacy alias for S3_ENDPOINT.
func NewFromEnv(ctx context.Context) (*Client, error) {
	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("S3_HOST"))
	}
	return New(ctx, Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Region:    os.Getenv("S3_REGION"),
		SSLVerify: os.Getenv("S3_SSL_VERIFY"),
	})
}

// New initialises a Client for the given endpoint and credentials.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3 access key and secret key are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	httpClient, err := newHTTPClient(cfg.SSLVerify)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	})

	return NewFromAPI(api), nil
}

// NewFromAPI wraps an existing SDK client (or a test fake).
func NewFromAPI(api API) *Client {
	return &Client{
		api:        api,
		uploader:   manager.NewUploader(api),
		downloader: manager.NewDownloader(api),
	}
}

func newHTTPClient(sslVerify string) (*http.Client, error) {
	transport := &http.Transport{}
	switch strings.ToLower(strings.TrimSpace(sslVerify)) {
	case "", "false", "off", "no", "f", "0":
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	default:
		pem, err := os.ReadFile(sslVerify)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle %q: %w", sslVerify, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", sslVerify)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{Transport: transport}, nil
}

// Upload streams the local file to bucket/key with the provided object
// metadata and returns the resulting ETag (quotes stripped). The file is
// opened before any network traffic so a missing path fails locally.
func (c *Client) Upload(ctx context.Context, bucket, key, path string, metadata map[string]string) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   &bucket,
		Key:      &key,
		Body:     file,
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}

	// Multipart ETags are not content digests, so read back the stored
	// value rather than trusting the upload response.
	info, err := c.Head(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

// Head returns the ETag, size and metadata for bucket/key.
func (c *Client) Head(ctx context.Context, bucket, key string) (*HeadInfo, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	info := &HeadInfo{Metadata: out.Metadata}
	if out.ETag != nil {
		info.ETag = strings.Trim(*out.ETag, `"`)
	}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	return info, nil
}

// Get reads the full object body. Intended for small control files such as
// image manifests, not artifact payloads.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Download pulls bucket/key into dest with the transfer manager, fetching
// ranged parts concurrently into a temp file and renaming into place so a
// failed transfer never leaves a truncated dest. When expectedMD5 is
// non-empty the assembled file is verified against it before the rename.
func (c *Client) Download(ctx context.Context, bucket, key, dest, expectedMD5 string) (int64, error) {
	if c == nil {
		return 0, errors.New("nil client")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create %q: %w", filepath.Dir(dest), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := c.downloader.Download(ctx, tmp, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}

	// Parts land out of order, so the digest is a second pass over the
	// assembled file.
	if expectedMD5 != "" {
		computed, err := MD5File(tmp.Name())
		if err != nil {
			return 0, err
		}
		if !strings.EqualFold(computed, expectedMD5) {
			return 0, fmt.Errorf("md5 mismatch for s3://%s/%s: expected %s got %s", bucket, key, expectedMD5, computed)
		}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("rename into %q: %w", dest, err)
	}
	return size, nil
}

// DeletePrefix removes every object under prefix. Used to roll back the
// artifacts of a failed image upload.
func (c *Client) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if c == nil {
		return errors.New("nil client")
	}

	var token *string
	for {
		page, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		if len(page.Contents) == 0 {
			return nil
		}

		objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete s3://%s/%s: %w", bucket, prefix, err)
		}

		if page.NextContinuationToken == nil {
			return nil
		}
		token = page.NextContinuationToken
	}
}

// MD5File computes the hex md5 digest of the file at path.
func MD5File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// URL renders the canonical s3://bucket/key form used in record links.
func URL(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// ParseURL splits an s3://bucket/key URL into its parts.
func ParseURL(url string) (bucket, key string, err error) {
	if !strings.HasPrefix(url, "s3://") {
		return "", "", fmt.Errorf("unsupported artifact url %q", url)
	}
	trimmed := strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", url)
	}
	return parts[0], parts[1], nil
}
