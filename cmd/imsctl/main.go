// imsctl drives the image management service from build pipelines: it
// uploads image and recipe artifacts, fetches them on the job side and keeps
// job records up to date.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"imshelper/ims"
	"imshelper/pkg/oauth"
	"imshelper/pkg/s3"
	"imshelper/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, "imsctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: telemetry init: %v\n", err)
	} else {
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		printFailure(err)
		os.Exit(1)
	}
}

type globalOptions struct {
	imsURL            string
	caCert            string
	oauthClientID     string
	oauthClientSecret string
	tokenURL          string
	timeout           time.Duration
	logLevel          string

	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string
	s3Bucket    string
	s3SSLVerify string

	log *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "imsctl",
		Short:         "Helper for the image management service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogger()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.imsURL, "ims-url", getEnv("IMS_URL", ims.DefaultAPIURL), "Base URL of the IMS service")
	flags.StringVar(&opts.caCert, "cert", os.Getenv("CA_CERT"), "Path to the system CA certificate")
	flags.StringVar(&opts.oauthClientID, "oauth-client-id", "", "OAuth client id (default from OAUTH_CLIENT_ID or the oauth config dir)")
	flags.StringVar(&opts.oauthClientSecret, "oauth-client-secret", "", "OAuth client secret (default from OAUTH_CLIENT_SECRET or the oauth config dir)")
	flags.StringVar(&opts.tokenURL, "token-url", "", "OAuth token endpoint (default from OAUTH_CLIENT_ENDPOINT or the oauth config dir)")
	flags.DurationVar(&opts.timeout, "timeout", 720*time.Second, "Request timeout")
	flags.StringVarP(&opts.logLevel, "log-level", "l", getEnv("LOG_LEVEL", "warning"), "Log level (debug, info, warning, error)")

	flags.StringVar(&opts.s3Endpoint, "s3-endpoint", getEnv("S3_ENDPOINT", os.Getenv("S3_HOST")), "S3 endpoint, e.g. https://s3.local:8080")
	flags.StringVar(&opts.s3AccessKey, "s3-access-key", os.Getenv("S3_ACCESS_KEY"), "S3 access key")
	flags.StringVar(&opts.s3SecretKey, "s3-secret-key", os.Getenv("S3_SECRET_KEY"), "S3 secret key")
	flags.StringVar(&opts.s3Bucket, "s3-bucket", os.Getenv("S3_BUCKET"), "S3 bucket holding artifacts and recipes")
	flags.StringVar(&opts.s3SSLVerify, "s3-ssl-verify", getEnv("S3_SSL_VERIFY", "False"), "Verify S3 TLS certificates (false, or a CA bundle path)")

	cmd.AddCommand(newImageCommand(opts))
	cmd.AddCommand(newRecipeCommand(opts))
	cmd.AddCommand(newFetchCommand(opts))
	cmd.AddCommand(newWaitForReposCommand(opts))
	return cmd
}

func (o *globalOptions) setupLogger() error {
	level, err := logrus.ParseLevel(strings.ToLower(o.logLevel))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	o.log = log
	return nil
}

// session builds the authenticated gateway client.
func (o *globalOptions) session(ctx context.Context) (*http.Client, error) {
	return oauth.NewSession(ctx, oauth.Config{
		ClientID:     o.oauthClientID,
		ClientSecret: o.oauthClientSecret,
		TokenURL:     o.tokenURL,
		CACertPath:   o.caCert,
		Timeout:      o.timeout,
		Logger:       o.log,
	})
}

// objectStore builds the S3 client from the persistent flags.
func (o *globalOptions) objectStore(ctx context.Context) (*s3.Client, error) {
	if o.s3Bucket == "" {
		return nil, fmt.Errorf("an s3 bucket is required; set --s3-bucket or S3_BUCKET")
	}
	return s3.New(ctx, s3.Config{
		Endpoint:  o.s3Endpoint,
		AccessKey: o.s3AccessKey,
		SecretKey: o.s3SecretKey,
		Region:    os.Getenv("S3_REGION"),
		SSLVerify: o.s3SSLVerify,
	})
}

// imsClient wires the metadata client; withStore controls whether artifact
// uploads are expected, since status-only commands need no S3 access.
func (o *globalOptions) imsClient(ctx context.Context, withStore bool) (*ims.Client, error) {
	session, err := o.session(ctx)
	if err != nil {
		return nil, err
	}

	cfg := ims.Config{
		URL:        o.imsURL,
		HTTPClient: session,
		Logger:     o.log,
	}
	if withStore {
		store, err := o.objectStore(ctx)
		if err != nil {
			return nil, err
		}
		cfg.Store = store
		cfg.Bucket = o.s3Bucket
	}
	return ims.New(cfg)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// validateJobID enforces UUID job ids before any network traffic.
func validateJobID(id string) error {
	if id == "" {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid job id %q: %w", id, err)
	}
	return nil
}

// printResult writes the envelope to stdout with stable, indented keys.
func printResult(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func printFailure(err error) {
	envelope := map[string]string{
		"result": "failure",
		"error":  err.Error(),
	}
	out, marshalErr := json.MarshalIndent(envelope, "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
