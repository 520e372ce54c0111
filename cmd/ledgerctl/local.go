package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/fraudledger/internal/canonical"
	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

// ── verify ───────────────────────────────────────────────────────────────────

var verifyFrom, verifyTo int64

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the chain and report the first discrepancy",
	Long: `verify recomputes every entry hash, merkle root, block hash and HMAC link
over the selected range. It exits 0 when the chain is intact, 2 when it
found a discrepancy and 1 when verification could not run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		var r ledger.VerifyRange
		if cmd.Flags().Changed("from") {
			r.From = &verifyFrom
		}
		if cmd.Flags().Changed("to") {
			r.To = &verifyTo
		}

		res, err := l.Verify(ctx, r)
		if res != nil {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if !res.Valid {
			return errDiscrepancy
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", 0, "first block to verify (default genesis)")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", 0, "last block to verify (default latest)")
}

// ── latest / block ───────────────────────────────────────────────────────────

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the most recent block",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		b, err := l.GetLatestBlock(ctx)
		if errors.Is(err, ledger.ErrNotFound) {
			return printJSON(struct{}{})
		}
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <index>",
	Short: "Print a block and its entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || idx < 0 {
			return fmt.Errorf("block index must be a non-negative integer, got %q", args[0])
		}

		ctx := cmd.Context()
		l, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		b, err := l.GetBlock(ctx, idx)
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

// ── append / heartbeat ───────────────────────────────────────────────────────

var (
	appendTx      string
	appendPayload string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append one fraud decision as a new block",
	Example: `  ledgerctl append --tx T1 --payload '{"verdict":"fraud","fraud_score":0.93}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := canonical.Decode([]byte(appendPayload))
		if err != nil {
			return err
		}
		return appendBlock(cmd.Context(), []ledger.Entry{{TxReference: appendTx, Payload: payload}})
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendTx, "tx", "", "transaction reference")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "decision payload as a JSON object")
	_ = appendCmd.MarkFlagRequired("tx")
	_ = appendCmd.MarkFlagRequired("payload")
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Append an empty checkpoint block",
	RunE: func(cmd *cobra.Command, args []string) error {
		return appendBlock(cmd.Context(), nil)
	},
}

func appendBlock(ctx context.Context, entries []ledger.Entry) error {
	l, closeFn, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := l.AppendEntries(ctx, entries)
	if err != nil {
		return err
	}
	return printJSON(r)
}
