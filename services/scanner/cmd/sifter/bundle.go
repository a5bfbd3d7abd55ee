package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	gos3 "sifter/pkg/s3"
	"sifter/services/bundler"
)

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Signed inventory bundle build and import operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundleBuildCommand())
	cmd.AddCommand(newBundleImportCommand())
	return cmd
}

func newBundleBuildCommand() *cobra.Command {
	var (
		inventories []string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Merge inventories into a signed bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(ctx, bundler.BuildConfig{
				Inventories: inventories,
				Output:      output,
				Signer:      signer,
				Stdout:      cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringArrayVar(&inventories, "inventory", nil, "Inventory file to include (repeatable)")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("inventory")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundleImportCommand() *cobra.Command {
	var (
		bundleFile string
		outputDir  string
		s3URL      string
		presignTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and extract or upload its inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			cfg := bundler.ImportConfig{
				BundlePath: bundleFile,
				OutputDir:  outputDir,
				S3URL:      s3URL,
				PresignTTL: presignTTL,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			}
			if s3URL != "" {
				client, err := gos3.NewClientFromEnv(ctx)
				if err != nil {
					return fmt.Errorf("s3 client: %w", err)
				}
				cfg.S3 = client
			}
			_, err = bundler.Import(ctx, cfg)
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory to extract the verified inventory into")
	cmd.Flags().StringVar(&s3URL, "s3-url", "", "Upload the verified inventory to s3://bucket/key")
	cmd.Flags().DurationVar(&presignTTL, "presign-ttl", 15*time.Minute, "Lifetime of the printed download URL")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
