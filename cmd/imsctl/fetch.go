package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"imshelper/fetch"
	"imshelper/pkg/oauth"
	"imshelper/pkg/s3"
)

func newFetchCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Job-side artifact fetchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newFetchImageCommand(opts))
	cmd.AddCommand(newFetchRecipeCommand(opts))
	return cmd
}

func newFetchImageCommand(opts *globalOptions) *cobra.Command {
	var (
		path     string
		url      string
		noUnpack bool
	)

	cmd := &cobra.Command{
		Use:   "image",
		Short: "Download the image squashfs for the current job",
		RunE: func(cmd *cobra.Command, args []string) error {
			fetcher, err := newFetcher(opts, cmd, url)
			if err != nil {
				return err
			}
			return fetcher.FetchImage(cmd.Context(), path, url, !noUnpack)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Directory to download and unpack into")
	cmd.Flags().StringVar(&url, "url", "", "Image artifact URL (http(s) or s3)")
	cmd.Flags().BoolVar(&noUnpack, "no-unpack", false, "Skip unsquashing the downloaded image")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newFetchRecipeCommand(opts *globalOptions) *cobra.Command {
	var (
		path string
		url  string
	)

	cmd := &cobra.Command{
		Use:   "recipe",
		Short: "Download and template the recipe for the current job",
		RunE: func(cmd *cobra.Command, args []string) error {
			fetcher, err := newFetcher(opts, cmd, url)
			if err != nil {
				return err
			}
			return fetcher.FetchRecipe(cmd.Context(), path, url)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Directory to download and extract into")
	cmd.Flags().StringVar(&url, "url", "", "Recipe archive URL (http(s) or s3)")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// newFetcher wires a Fetcher for the job named by IMS_JOB_ID. The artifact
// gateway still serves plain TLS without a signed certificate, so downloads
// use the unverified retrying session.
func newFetcher(opts *globalOptions, cmd *cobra.Command, url string) (*fetch.Fetcher, error) {
	jobID := os.Getenv("IMS_JOB_ID")
	if jobID == "" {
		return nil, fmt.Errorf("IMS_JOB_ID must be set")
	}
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}

	client, err := opts.imsClient(cmd.Context(), false)
	if err != nil {
		return nil, err
	}

	downloadClient, err := oauth.NewInsecureSession(opts.caCert, opts.timeout, opts.log)
	if err != nil {
		return nil, err
	}

	cfg := fetch.Config{
		Jobs:        client,
		JobID:       jobID,
		HTTPClient:  downloadClient,
		ExpectedMD5: os.Getenv("DOWNLOAD_MD5SUM"),
		Logger:      opts.log,
	}

	if strings.HasPrefix(url, "s3://") {
		store, err := s3.New(cmd.Context(), s3.Config{
			Endpoint:  opts.s3Endpoint,
			AccessKey: opts.s3AccessKey,
			SecretKey: opts.s3SecretKey,
			Region:    os.Getenv("S3_REGION"),
			SSLVerify: opts.s3SSLVerify,
		})
		if err != nil {
			return nil, err
		}
		cfg.Store = store
	}

	return fetch.New(cfg)
}
