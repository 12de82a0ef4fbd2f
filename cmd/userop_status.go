package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
)

var (
	userOpStatusEndpoint string

	userOpStatusCmd = &cobra.Command{
		Use:   "userop-status <userOpHash>",
		Short: "Query the status of a user operation",
		Long:  `Query a running bundler node for the status of a user operation.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := fetchUserOpStatus(userOpStatusEndpoint, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", status.Status)
			if status.TransactionHash != nil {
				fmt.Fprintf(out, "transaction: %s\n", status.TransactionHash.Hex())
			}
			if status.Reason != "" {
				fmt.Fprintf(out, "reason: %s\n", status.Reason)
			}
			return nil
		},
	}
)

func fetchUserOpStatus(endpoint, hash string) (*mempool.UserOpStatus, error) {
	var (
		status  mempool.UserOpStatus
		failure struct {
			Error string `json:"error"`
		}
	)

	resp, err := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		R().
		SetPathParam("hash", hash).
		SetResult(&status).
		SetError(&failure).
		Get(strings.TrimSuffix(endpoint, "/") + "/v1/userops/{hash}/status")
	if err != nil {
		return nil, fmt.Errorf("cannot reach %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bundler returned %d: %s", resp.StatusCode(), failure.Error)
	}
	return &status, nil
}

func init() {
	userOpStatusCmd.Flags().StringVar(&userOpStatusEndpoint, "endpoint", "http://localhost:4337", "http endpoint of the bundler")
	rootCmd.AddCommand(userOpStatusCmd)
}
