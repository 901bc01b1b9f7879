package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"imshelper/ims"
)

func newRecipeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipe",
		Short: "Recipe record and archive operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRecipeUploadCommand(opts))
	cmd.AddCommand(newRecipeGetCommand(opts))
	return cmd
}

func newRecipeGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get RECIPE_ID",
		Short: "Show a recipe record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.imsClient(cmd.Context(), false)
			if err != nil {
				return err
			}

			record, err := client.GetRecipe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(record)
		},
	}
}

func newRecipeUploadCommand(opts *globalOptions) *cobra.Command {
	var (
		file      string
		distro    string
		templates []string
	)

	cmd := &cobra.Command{
		Use:   "upload RECIPE_NAME",
		Short: "Upload a recipe archive, creating its record when needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dictionary, err := parseTemplates(templates)
			if err != nil {
				return err
			}

			client, err := opts.imsClient(cmd.Context(), true)
			if err != nil {
				return err
			}

			record, err := client.UploadRecipe(cmd.Context(), ims.RecipeUploadRequest{
				Name:               args[0],
				Path:               file,
				LinuxDistribution:  distro,
				TemplateDictionary: dictionary,
			})
			if err != nil {
				return err
			}
			return printResult(record)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Recipe archive (tar.gz) to upload")
	cmd.Flags().StringVar(&distro, "distro", "", "Linux distribution of the recipe (default sles15)")
	cmd.Flags().StringArrayVar(&templates, "template", nil, "Template dictionary entry as KEY=VALUE (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parseTemplates(entries []string) ([]ims.TemplateKV, error) {
	var dictionary []ims.TemplateKV
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid template entry %q; expected KEY=VALUE", entry)
		}
		dictionary = append(dictionary, ims.TemplateKV{Key: key, Value: value})
	}
	return dictionary, nil
}
