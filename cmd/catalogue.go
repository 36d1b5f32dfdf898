/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/internal/catalogue"
	"github.com/hearing-system/apiserver/internal/storage"
	"github.com/spf13/cobra"
)

// catalogueCmd represents the catalogue command.
var catalogueCmd = &cobra.Command{
	Use:   "catalogue",
	Short: "Inspect and publish the recommendable resource catalogue",
}

var catalogueShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the catalogue the server would load",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		var objects catalogue.ObjectGetter
		if cfg.Catalogue.Source == catalogue.SourceStorage {
			bucket, err := storage.Open(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			objects = bucket
		}

		resources, err := catalogue.Load(cmd.Context(), cfg.Catalogue, objects)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), resources.Render())
		return nil
	},
}

var cataloguePushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Validate a catalogue file and upload it to the configured bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		resources, err := catalogue.Parse(data)
		if err != nil {
			return err
		}
		normalized, err := resources.Marshal()
		if err != nil {
			return err
		}

		bucket, err := storage.Open(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		if err := bucket.PutBytes(cmd.Context(), cfg.Catalogue.ObjectKey, normalized, "application/yaml"); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d resources to %s/%s\n", len(resources.Resources()), bucket.Bucket(), cfg.Catalogue.ObjectKey)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catalogueCmd)
	catalogueCmd.AddCommand(catalogueShowCmd, cataloguePushCmd)
}
