package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var packCmd = &cobra.Command{
	Use:   "pack <store-path>...",
	Short: "Compact stores",
	Long:  "Rewrite each store's database compactly and delete large objects no record references.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPack,
}

func init() {
	packCmd.Flags().Int("concurrency", 4, "number of stores packed at once")
	viper.BindPFlag("concurrency", packCmd.Flags().Lookup("concurrency"))
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) error {
	c := newCache()
	stderr := cmd.ErrOrStderr()

	n := viper.GetInt("concurrency")
	if n < 1 {
		n = 1
	}

	// stderr is shared by the workers
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(n).WithContext(cmd.Context())

	for _, path := range args {
		path := path // per-iteration copy; go directive is below 1.22
		p.Go(func(ctx context.Context) error {
			stats, err := c.Pack(ctx, path)
			if err != nil {
				return fmt.Errorf("pack %s: %w", path, err)
			}
			mu.Lock()
			fmt.Fprintf(stderr, "[pack] %s: %d -> %d bytes, %d blobs removed (%d bytes)\n",
				path, stats.BytesBefore, stats.BytesAfter, stats.BlobsRemoved, stats.BlobBytes)
			mu.Unlock()
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(stderr, "Done. %d stores packed.\n", len(args))
	return nil
}
