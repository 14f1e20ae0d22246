package exchange

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidibond/pkg/app/core/account"
	"github.com/uhyunpark/liquidibond/pkg/app/core/instrument"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
)

var (
	// HouseAddress issues the demo bonds and provides their initial liquidity
	HouseAddress = common.HexToAddress("0x000000000000000000000000000000000000b0d5")
	// DemoAddress is the wallet handed to the web front end in demo mode
	DemoAddress = common.HexToAddress("0x1a2b00000000000000000000000000000000c3d4")
)

type seedQuote struct {
	side  orderbook.Side
	qty   int64
	price string
}

type seedBond struct {
	spec   instrument.Spec
	quotes []seedQuote
}

var demoBonds = []seedBond{
	{
		spec: instrument.Spec{
			Symbol: "APXI", Issuer: "Apex Innovations Inc.", CouponRate: decimal.RequireFromString("5.5"),
			MaturityDate: "2030-12-31", TotalSupply: 1000, RiskTier: instrument.Low, InitialRating: "S&P: AA-",
		},
		quotes: []seedQuote{
			{orderbook.Bid, 10, "99.8"}, {orderbook.Bid, 5, "99.75"}, {orderbook.Bid, 20, "99.7"},
			{orderbook.Ask, 12, "100.1"}, {orderbook.Ask, 8, "100.15"}, {orderbook.Ask, 15, "100.2"},
		},
	},
	{
		spec: instrument.Spec{
			Symbol: "QSL", Issuer: "Quantum Solutions Ltd.", CouponRate: decimal.RequireFromString("4.8"),
			MaturityDate: "2028-06-15", TotalSupply: 5000, RiskTier: instrument.Low, InitialRating: "Moody's: A1",
		},
		quotes: []seedQuote{
			{orderbook.Bid, 50, "101.2"}, {orderbook.Bid, 30, "101.1"},
			{orderbook.Ask, 40, "101.5"}, {orderbook.Ask, 60, "101.6"},
		},
	},
	{
		spec: instrument.Spec{
			Symbol: "CYBD", Issuer: "Cybernetic Dynamics", CouponRate: decimal.RequireFromString("6.2"),
			MaturityDate: "2035-03-01", TotalSupply: 2500, RiskTier: instrument.Medium, InitialRating: "Fitch: A+",
		},
		quotes: []seedQuote{
			{orderbook.Ask, 100, "98.0"},
		},
	},
	{
		spec: instrument.Spec{
			Symbol: "VCX", Issuer: "Venture Capital X", CouponRate: decimal.RequireFromString("9.8"),
			MaturityDate: "2027-08-20", TotalSupply: 10000, RiskTier: instrument.High, InitialRating: "Unrated",
		},
		quotes: []seedQuote{
			{orderbook.Bid, 250, "85.5"},
			{orderbook.Ask, 300, "88.0"},
		},
	},
}

// demo wallet opening state
var (
	demoCash     = decimal.NewFromInt(25000)
	demoPoints   = int64(1350)
	demoHoldings = map[string]int64{"APXI": 50, "QSL": 100}
	houseCash    = decimal.NewFromInt(1_000_000)
)

// SeedDemo registers the demo bond catalog, funds the house and demo
// accounts and rests the house quotes. It does nothing once any instrument
// exists, so it is safe to call on every start.
func (a *App) SeedDemo(ctx context.Context) error {
	if a.registry.Count() > 0 {
		a.logger.Info("demo_seed_skipped", zap.Int("instruments", a.registry.Count()))
		return nil
	}

	if _, _, err := a.ledger.Connect(HouseAddress); err != nil {
		return err
	}
	if err := a.ledger.Deposit(HouseAddress, houseCash); err != nil {
		return err
	}
	if err := a.ledger.SetVerification(HouseAddress, account.Verified); err != nil {
		return err
	}
	if err := a.ledger.SetSuitability(HouseAddress, account.Aggressive); err != nil {
		return err
	}

	for _, b := range demoBonds {
		if _, err := a.Tokenize(HouseAddress, b.spec); err != nil {
			return fmt.Errorf("failed to seed %s: %w", b.spec.Symbol, err)
		}
	}

	// The demo wallet starts unverified and unassessed so the onboarding
	// flow (verification, then suitability) is exercised.
	if _, _, err := a.ledger.Connect(DemoAddress); err != nil {
		return err
	}
	if err := a.ledger.Deposit(DemoAddress, demoCash); err != nil {
		return err
	}
	if err := a.ledger.CreditRewards(DemoAddress, demoPoints); err != nil {
		return err
	}
	for sym, qty := range demoHoldings {
		units := decimal.NewFromInt(qty)
		if err := a.ledger.Debit(HouseAddress, sym, units); err != nil {
			return err
		}
		if err := a.ledger.Credit(DemoAddress, sym, units); err != nil {
			return err
		}
	}

	// House quotes are operator liquidity and go straight to the book
	placed := 0
	for _, b := range demoBonds {
		for _, q := range b.quotes {
			_, err := a.engine.Place(ctx, orderbook.Order{
				ID:        "ORD-" + uuid.NewString(),
				Symbol:    b.spec.Symbol,
				Side:      q.side,
				Qty:       q.qty,
				Price:     decimal.RequireFromString(q.price),
				Owner:     HouseAddress,
				CreatedAt: a.now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("failed to seed %s quote: %w", b.spec.Symbol, err)
			}
			placed++
		}
	}

	a.logger.Info("demo_seeded",
		zap.Int("instruments", len(demoBonds)),
		zap.Int("quotes", placed),
		zap.String("house", HouseAddress.Hex()),
		zap.String("demo_wallet", DemoAddress.Hex()),
	)
	return nil
}
