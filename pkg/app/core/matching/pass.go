package matching

import (
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidibond/pkg/app/core/account"
	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/instrument"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
)

// ExecutionPrice is the price a crossing pair trades at: the price of the
// order with the lower submission sequence (the one resting longer). On an
// equal sequence the bid's price is used.
func ExecutionPrice(bid, ask orderbook.Order) decimal.Decimal {
	if ask.Seq < bid.Seq {
		return ask.Price
	}
	return bid.Price
}

// aggressor is the side of the later-sequenced order of the pair
func aggressor(bid, ask orderbook.Order) orderbook.Side {
	if ask.Seq > bid.Seq {
		return orderbook.Ask
	}
	return orderbook.Bid
}

// pass executes the highest-priority crossing pair until the book no longer
// crosses. Caller holds m.mu. Each iteration removes at least one order from
// the book (full fill or cancellation), so the pass terminates.
func (e *Engine) pass(m *market) []audit.Trade {
	book := m.book
	symbol := book.Symbol()

	var risk instrument.RiskTier
	if inst, err := e.instruments.Get(symbol); err == nil {
		risk = inst.RiskTier
	}

	var trades []audit.Trade
	for {
		bid, okBid := book.PeekBest(orderbook.Bid)
		ask, okAsk := book.PeekBest(orderbook.Ask)
		if !okBid || !okAsk || bid.Price.LessThan(ask.Price) {
			return trades
		}

		qty := min(bid.Qty, ask.Qty)
		price := ExecutionPrice(bid, ask)
		notional := price.Mul(decimal.NewFromInt(qty))
		points := notional.Div(e.cfg.PointsDivisor).Round(0).IntPart()

		entry := audit.Trade{
			Symbol:     symbol,
			Buyer:      bid.Owner,
			Seller:     ask.Owner,
			BidOrderID: bid.ID,
			AskOrderID: ask.ID,
			Aggressor:  aggressor(bid, ask),
			Quantity:   qty,
			Price:      price,
			Notional:   notional,
		}

		err := e.ledger.Settle(account.Transfer{
			Buyer:        bid.Owner,
			Seller:       ask.Owner,
			Symbol:       symbol,
			Qty:          qty,
			Price:        price,
			RewardPoints: points,
		})
		if err != nil {
			if t, ok := e.abort(book, bid, ask, entry, err); ok {
				trades = append(trades, t)
			}
			continue
		}

		// Settlement succeeded; the orders are guaranteed present under m.mu
		if _, err := book.Reduce(bid.ID, qty); err != nil {
			e.logger.Error("reduce_failed", zap.String("order_id", bid.ID), zap.Error(err))
		}
		if _, err := book.Reduce(ask.ID, qty); err != nil {
			e.logger.Error("reduce_failed", zap.String("order_id", ask.ID), zap.Error(err))
		}
		if bid.Qty == qty {
			e.untrack(bid.ID)
		}
		if ask.Qty == qty {
			e.untrack(ask.ID)
		}
		book.SetLastPrice(price)

		entry.RewardPoints = points
		if notional.GreaterThan(e.cfg.LargeValueThreshold) {
			entry.Flags = append(entry.Flags, audit.LargeValueTrade)
		}
		if risk == instrument.High {
			entry.Flags = append(entry.Flags, audit.HighRiskAsset)
		}

		committed, err := e.log.Append(entry)
		if err != nil {
			// Balances have already moved; nothing to roll back to
			e.logger.Error("audit_append_failed",
				zap.String("symbol", symbol),
				zap.String("bid_id", bid.ID),
				zap.String("ask_id", ask.ID),
				zap.Error(err),
			)
			continue
		}

		e.logger.Info("trade_executed",
			zap.String("trade_id", committed.ID),
			zap.Uint64("seq", committed.Seq),
			zap.String("symbol", symbol),
			zap.String("buyer", bid.Owner.Hex()),
			zap.String("seller", ask.Owner.Hex()),
			zap.Int64("qty", qty),
			zap.String("price", price.String()),
			zap.String("notional", notional.String()),
			zap.Any("flags", committed.Flags),
		)
		trades = append(trades, committed)
		e.publish(committed)
	}
}

// abort handles a settlement failure: the order whose owner could not cover
// its leg is cancelled and a MatchAborted entry is recorded. For failures
// that do not name a short side, the later-sequenced order is cancelled.
func (e *Engine) abort(book *orderbook.OrderBook, bid, ask orderbook.Order, entry audit.Trade, cause error) (audit.Trade, bool) {
	victim := bid
	var be *account.BalanceError
	switch {
	case errors.As(cause, &be):
		if be.Asset != account.CashAsset {
			victim = ask
		}
	case entry.Aggressor == orderbook.Ask:
		victim = ask
	}

	if _, err := book.Cancel(victim.ID); err != nil {
		e.logger.Error("abort_cancel_failed", zap.String("order_id", victim.ID), zap.Error(err))
	}
	e.untrack(victim.ID)

	entry.Flags = []audit.Flag{audit.MatchAborted}
	committed, err := e.log.Append(entry)

	e.logger.Warn("match_aborted",
		zap.String("symbol", entry.Symbol),
		zap.String("cancelled_order", victim.ID),
		zap.String("owner", victim.Owner.Hex()),
		zap.Int64("qty", entry.Quantity),
		zap.String("price", entry.Price.String()),
		zap.NamedError("cause", cause),
		zap.Error(err),
	)
	if err != nil {
		return audit.Trade{}, false
	}
	return committed, true
}
