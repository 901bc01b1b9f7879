package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"imshelper/ims"
	"imshelper/waitrepos"
)

func newWaitForReposCommand(opts *globalOptions) *cobra.Command {
	var (
		recipeRoot string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait-for-repos",
		Short: "Block until every repository in the recipe serves metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := os.Getenv("IMS_JOB_ID")
			if err := validateJobID(jobID); err != nil {
				return err
			}

			// One token exchange serves both the status patch and the
			// repo probes.
			session, err := opts.session(cmd.Context())
			if err != nil {
				return err
			}

			if jobID != "" {
				client, err := ims.New(ims.Config{
					URL:        opts.imsURL,
					HTTPClient: session,
					Logger:     opts.log,
				})
				if err != nil {
					return err
				}
				if _, err := client.SetJobStatus(cmd.Context(), jobID, "waiting_for_repos"); err != nil {
					opts.log.WithError(err).Warn("failed to set job status")
				}
			}

			repos, err := waitrepos.RepoURLs(recipeRoot)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			waiter := waitrepos.New(waitrepos.Config{
				HTTPClient: session,
				Logger:     opts.log,
			})
			return waiter.Wait(ctx, repos)
		},
	}

	cmd.Flags().StringVar(&recipeRoot, "recipe-root", "", "Directory holding the recipe's config.xml")
	cmd.Flags().DurationVar(&timeout, "timeout", 500*time.Second, "Overall time to wait for repositories")
	_ = cmd.MarkFlagRequired("recipe-root")
	return cmd
}
