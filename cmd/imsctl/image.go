package main

import (
	"os"

	"github.com/spf13/cobra"

	"imshelper/ims"
)

func newImageCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Image record and artifact operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newImageUploadArtifactsCommand(opts))
	cmd.AddCommand(newImageGetCommand(opts))
	cmd.AddCommand(newImageSetJobStatusCommand(opts))
	return cmd
}

func newImageGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get IMAGE_ID",
		Short: "Show an image record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.imsClient(cmd.Context(), false)
			if err != nil {
				return err
			}

			record, err := client.GetImage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(record)
		},
	}
}

func newImageUploadArtifactsCommand(opts *globalOptions) *cobra.Command {
	var set ims.ArtifactSet

	cmd := &cobra.Command{
		Use:   "upload-artifacts IMAGE_NAME [IMS_JOB_ID]",
		Short: "Upload image artifacts and register them with IMS",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			imageName := args[0]
			jobID := os.Getenv("IMS_JOB_ID")
			if len(args) == 2 {
				jobID = args[1]
			}
			if err := validateJobID(jobID); err != nil {
				return err
			}

			client, err := opts.imsClient(cmd.Context(), true)
			if err != nil {
				return err
			}

			result, err := client.UploadImageArtifacts(cmd.Context(), imageName, jobID, set)
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}

	cmd.Flags().StringVarP(&set.RootFS, "rootfs", "r", "", "Root file system archive (squashfs) to upload")
	cmd.Flags().StringVarP(&set.Kernel, "kernel", "k", "", "Kernel to upload")
	cmd.Flags().StringVarP(&set.Initrd, "initrd", "i", "", "Initrd to upload")
	cmd.Flags().StringVarP(&set.DebugKernel, "debug-kernel", "d", "", "Debug kernel to upload")
	cmd.Flags().StringVarP(&set.BootParameters, "boot-parameters", "p", "", "Boot parameters file to upload")
	return cmd
}

func newImageSetJobStatusCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-job-status IMS_JOB_ID STATUS",
		Short: "Set the status of an IMS job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, status := args[0], args[1]
			if err := validateJobID(jobID); err != nil {
				return err
			}

			client, err := opts.imsClient(cmd.Context(), false)
			if err != nil {
				return err
			}

			result, err := client.SetJobStatus(cmd.Context(), jobID, status)
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
	return cmd
}
