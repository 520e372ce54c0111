package main

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/fraudledger/pkg/client"
)

var (
	serverURL   string
	serverToken string
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Query a running ledgerd over HTTP",
}

func init() {
	remoteCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "ledgerd base URL")
	remoteCmd.PersistentFlags().StringVar(&serverToken, "token", os.Getenv("LEDGER_TOKEN"), "service token for write calls")
	remoteCmd.AddCommand(remoteLatestCmd, remoteVerifyCmd, remoteHeartbeatCmd)

	remoteVerifyCmd.Flags().Int64Var(&verifyFrom, "from", 0, "first block to verify (default genesis)")
	remoteVerifyCmd.Flags().Int64Var(&verifyTo, "to", 0, "last block to verify (default latest)")
}

func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(5 * time.Minute)}
	if serverToken != "" {
		opts = append(opts, client.WithBearerToken(serverToken))
	}
	return client.New(serverURL, opts...)
}

var remoteLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the server's most recent block",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.Latest(cmd.Context())
		if errors.Is(err, client.ErrNotFound) {
			return printJSON(struct{}{})
		}
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

var remoteVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Ask the server to verify the chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var from, to *int64
		if cmd.Flags().Changed("from") {
			from = &verifyFrom
		}
		if cmd.Flags().Changed("to") {
			to = &verifyTo
		}
		res, err := c.Verify(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Valid {
			return errDiscrepancy
		}
		return nil
	},
}

var remoteHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Append an empty checkpoint block through the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.Heartbeat(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(r)
	},
}
