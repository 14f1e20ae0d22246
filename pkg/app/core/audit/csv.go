package audit

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"
)

// CSVHeader is the column layout of the compliance report
var CSVHeader = []string{
	"id", "sequence", "timestamp", "instrument", "buyer", "seller",
	"side", "quantity", "price", "notional", "flags",
}

// WriteCSV writes trades as a flat compliance report. The side column is the
// aggressing side; flags are joined with "|".
func WriteCSV(w io.Writer, trades []Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	for _, t := range trades {
		flags := make([]string, len(t.Flags))
		for i, f := range t.Flags {
			flags[i] = string(f)
		}
		row := []string{
			t.ID,
			strconv.FormatUint(t.Seq, 10),
			t.Timestamp.UTC().Format(time.RFC3339Nano),
			t.Symbol,
			t.Buyer.Hex(),
			t.Seller.Hex(),
			t.Aggressor.String(),
			strconv.FormatInt(t.Quantity, 10),
			t.Price.String(),
			t.Notional.String(),
			strings.Join(flags, "|"),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
