package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// printCycle renders a cycle's instructions and, when orders went out, their outcome.
func printCycle(w io.Writer, res *CycleResult) {
	d := res.Decision
	fmt.Fprintf(w, "Cycle %s on %s\n", d.ID, d.Date.Format(models.DateLayout))
	fmt.Fprintf(w, "Cash $%s, portfolio value $%s, %d position(s)\n",
		res.Snapshot.Cash.StringFixed(2), res.Snapshot.PortfolioValue.StringFixed(2), len(res.Snapshot.Positions))
	for _, note := range d.Notes {
		fmt.Fprintf(w, "  - %s\n", note)
	}

	if len(d.Instructions) == 0 {
		fmt.Fprintln(w, "No instructions")
		return
	}

	table := tablewriter.NewWriter(w)
	header := []string{"#", "Side", "Qty", "Asset", "Purpose", "Settlement"}
	if res.Report != nil {
		header = append(header, "Outcome", "Order", "Status")
	}
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i, inst := range d.Instructions {
		row := []string{
			strconv.Itoa(i + 1),
			strings.ToUpper(string(inst.Side)),
			inst.Quantity.String(),
			inst.Asset.String(),
			string(inst.Purpose),
			settlementLabel(inst),
		}
		if res.Report != nil {
			row = append(row, "", "", "")
			if i < len(res.Report.Results) {
				r := res.Report.Results[i]
				row[6] = string(r.Outcome)
				if r.OrderID != 0 {
					row[7] = strconv.Itoa(r.OrderID)
				}
				row[8] = r.Status
			}
		}
		table.Append(row)
	}
	table.Render()

	if res.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was submitted")
	}
}

func settlementLabel(inst models.TradeInstruction) string {
	switch {
	case inst.AwaitSettlement:
		return "await"
	case inst.RequiresSettlement:
		return "after sell"
	default:
		return ""
	}
}
