package cmd

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	statusDbPath     string
	statusPrefix     string
	statusChainID    int64
	statusEntryPoint string

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display persisted mempool status",
		Long: `Display key counts of a persisted mempool. The node must be stopped
because badger allows a single process per database directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "📊 Mempool Status Report\n")
			fmt.Fprintf(out, "=======================\n\n")
			fmt.Fprintf(out, "💾 Using database path: %s\n\n", statusDbPath)

			if !common.IsHexAddress(statusEntryPoint) {
				return fmt.Errorf("invalid entrypoint address %q", statusEntryPoint)
			}

			db, err := storage.NewWithPath(statusDbPath)
			if err != nil {
				fmt.Fprintf(out, "❌ Failed to open database: %v\n", err)
				fmt.Fprintf(out, "   💡 Make sure the bundler is stopped and ran with store: badger\n")
				return err
			}
			defer db.Close()

			chainID := big.NewInt(statusChainID)
			entryPoint := common.HexToAddress(statusEntryPoint)
			store := mempool.NewBadgerStore(db, statusPrefix, chainID, entryPoint, &mempool.StoreConfig{}, nil)

			stats, err := store.Stats()
			if err != nil {
				fmt.Fprintf(out, "❌ Failed to count keys: %v\n", err)
				return err
			}

			fmt.Fprintf(out, "🔑 Namespace: %s\n", mempool.OutstandingPrefix(statusPrefix, chainID, entryPoint))
			fmt.Fprintf(out, "   Outstanding user operations: %d\n", stats.Operations)
			fmt.Fprintf(out, "   Ready user operations:       %d\n", stats.Ready)
			fmt.Fprintf(out, "   Non empty slots:             %d\n", stats.Slots)

			if stats.Ready != stats.Slots {
				fmt.Fprintf(out, "\n⚠️  Ready entries and slots differ, the store may have been written by an interrupted process\n")
			}
			return nil
		},
	}
)

func init() {
	statusCmd.Flags().StringVar(&statusDbPath, "db", "./data/badger", "path to the badger database")
	statusCmd.Flags().StringVar(&statusPrefix, "prefix", "bundler", "store prefix of the node")
	statusCmd.Flags().Int64Var(&statusChainID, "chain-id", 1, "chain id of the node")
	statusCmd.Flags().StringVar(&statusEntryPoint, "entrypoint", aa.EntrypointAddress.Hex(), "entrypoint address of the node")
	rootCmd.AddCommand(statusCmd)
}
