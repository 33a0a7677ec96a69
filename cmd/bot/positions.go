package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/rolling_calls/internal/broker"
	"github.com/eddiefleurent/rolling_calls/internal/config"
	"github.com/eddiefleurent/rolling_calls/internal/models"
)

var positionsJSON bool

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Show the broker account as the strategy sees it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, _, err := setup()
		if err != nil {
			return err
		}

		snap, err := bot.market.Snapshot(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading portfolio: %w", err)
		}

		out := cmd.OutOrStdout()
		if positionsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printPositions(out, bot.config, snap)
		return nil
	},
}

func init() {
	positionsCmd.Flags().BoolVar(&positionsJSON, "json", false, "Output the snapshot as JSON")
	rootCmd.AddCommand(positionsCmd)
}

// maskAccountID masks all but the last 4 characters of an account ID to prevent PII exposure
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

func printPositions(w io.Writer, cfg *config.Config, snap models.PortfolioSnapshot) {
	fmt.Fprintf(w, "Account %s (%s, %s)\n", maskAccountID(cfg.Broker.AccountID), cfg.Broker.Provider, cfg.Environment.Mode)
	fmt.Fprintf(w, "Cash $%s, portfolio value $%s\n", snap.Cash.StringFixed(2), snap.PortfolioValue.StringFixed(2))

	if len(snap.Positions) == 0 {
		fmt.Fprintln(w, "No positions")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Symbol", "Qty", "Expiry", "Strike", "Role"})
	table.SetAutoWrapText(false)
	for _, p := range snap.Positions {
		occ, err := broker.BrokerSymbol(p.Asset)
		if err != nil {
			occ = p.Asset.Symbol
		}
		expiry, strike := "", ""
		if p.Asset.IsOption() {
			expiry = p.Asset.Expiration.Format(models.DateLayout)
			strike = p.Asset.Strike.String()
		}
		table.Append([]string{occ, p.Quantity.String(), expiry, strike, positionRole(cfg, p.Asset)})
	}
	table.Render()
}

// positionRole names what the strategy does with a holding.
func positionRole(cfg *config.Config, a models.Asset) string {
	switch {
	case a.IsCallOn(cfg.Strategy.Underlying):
		return "rolling call"
	case !a.IsOption() && a.Symbol == cfg.Strategy.FixedIncomeSymbol:
		return "fixed income"
	default:
		return "unmanaged"
	}
}
