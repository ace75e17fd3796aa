package registry

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/registry/storage"
	"github.com/goldboot/distribution/registry/storage/driver/factory"
	"github.com/goldboot/distribution/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(GCCmd)
	RootCmd.AddCommand(LibraryCmd)
	RootCmd.AddCommand(VersionCmd)
	GCCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do everything except remove the chunks and manifests")
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the 'registry' binary.
var RootCmd = &cobra.Command{
	Use:   "registry",
	Short: "`registry`",
	Long:  "`registry`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

// VersionCmd prints the version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "`version` prints the registry version",
	Run: func(cmd *cobra.Command, args []string) {
		version.FprintVersion(cmd.OutOrStdout())
	},
}

var dryRun bool

// GCCmd is the cobra command that corresponds to the garbage-collect subcommand
var GCCmd = &cobra.Command{
	Use:   "garbage-collect <config>",
	Short: "`garbage-collect` deletes chunks not referenced by any published version",
	Long:  "`garbage-collect` deletes chunks not referenced by any published version",
	Run: func(cmd *cobra.Command, args []string) {
		registry, err := openStorage(cmd, args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		result, err := storage.MarkAndSweep(cmd.Context(), registry, storage.GCOpts{DryRun: dryRun})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to garbage collect: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d chunks and %d manifests marked, %d chunks and %d manifests eligible for deletion\n",
			result.MarkedChunks, result.MarkedManifests, len(result.Chunks), len(result.Manifests))
	},
}

// LibraryCmd lists the published versions held by the configured storage.
var LibraryCmd = &cobra.Command{
	Use:   "library <config> [name]",
	Short: "`library` lists the published images",
	Args:  cobra.RangeArgs(0, 2),
	Run: func(cmd *cobra.Command, args []string) {
		registry, err := openStorage(cmd, args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		var entries []storage.LibraryEntry
		if len(args) == 2 {
			entries, err = registry.Find(cmd.Context(), args[1])
		} else {
			entries, err = registry.Library(cmd.Context())
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list images: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tOS\tARCH\tSIZE\tSEALED\tDIGEST")
		for _, e := range entries {
			if e.Err != nil {
				fmt.Fprintf(w, "%s\t%s\t\t\t\t\t%v\n", e.Name, e.Version, e.Err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
				e.Name, e.Version, e.Metadata.OS, e.Metadata.Arch, e.Metadata.Size, e.Sealed, e.Descriptor.Digest)
		}
		w.Flush()
	},
}

// openStorage resolves the configuration named by args and opens its
// storage without starting a server.
func openStorage(cmd *cobra.Command, args []string) (*storage.Registry, error) {
	config, err := resolveConfiguration(args)
	if err != nil {
		// nolint:errcheck
		cmd.Usage()
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	ctx := dcontext.Background()
	ctx, err = configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to configure logging with config: %w", err)
	}
	cmd.SetContext(ctx)

	driver, err := factory.Create(ctx, config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s driver: %w", config.Storage.Type(), err)
	}

	var opts []storage.RegistryOption
	if config.Storage.DeleteEnabled() {
		opts = append(opts, storage.EnableDelete)
	}
	registry, err := storage.NewRegistry(ctx, driver, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to construct registry: %w", err)
	}
	return registry, nil
}
