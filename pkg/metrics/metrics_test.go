package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
)

func TestObserveTrade(t *testing.T) {
	ObserveTrade(audit.Trade{Symbol: "MTRX", Notional: decimal.NewFromInt(1500)})
	ObserveTrade(audit.Trade{Symbol: "MTRX", Notional: decimal.NewFromInt(500)})
	ObserveTrade(audit.Trade{Symbol: "MTRX", Notional: decimal.NewFromInt(900), Flags: []audit.Flag{audit.MatchAborted}})

	assert.Equal(t, 2.0, testutil.ToFloat64(trades.WithLabelValues("MTRX")))
	assert.Equal(t, 2000.0, testutil.ToFloat64(notional.WithLabelValues("MTRX")))
	assert.Equal(t, 1.0, testutil.ToFloat64(abortedMatches.WithLabelValues("MTRX")))
}

func TestObserveSubmission(t *testing.T) {
	ObserveSubmission("Rejected", "IdentityNotVerified")
	ObserveSubmission("Rejected", "IdentityNotVerified")
	ObserveSubmission("Accepted", "")

	assert.Equal(t, 2.0, testutil.ToFloat64(submissions.WithLabelValues("Rejected", "IdentityNotVerified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(submissions.WithLabelValues("Accepted", "")))
}

func TestSetPending(t *testing.T) {
	SetPending(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(pending))
	SetPending(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(pending))
}
