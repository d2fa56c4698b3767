package fills

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/types"
)

// ResolveExit returns the size-weighted price of contractID's executions on
// side stamped at or after since, i.e. the price a flatten closed at. It
// polls like Resolve: at most Retries reads of the trade log, sleeping after
// each miss. ok is false when no execution showed up.
func (r *Resolver) ResolveExit(ctx context.Context, trades broker.TradeSource, contractID string, side types.OrderSide, since time.Time) (price decimal.Decimal, ok bool) {
	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		list, err := trades.GetTrades(ctx, since)
		if err != nil {
			r.logger.Warn("exit resolver: trade poll failed",
				"contract_id", contractID,
				"attempt", attempt,
				"err", err,
			)
		}
		if p, found := averagePrice(list, contractID, side); found {
			r.logger.Info("exit price resolved",
				"contract_id", contractID,
				"attempt", attempt,
				"price", p.String(),
			)
			return p, true
		}

		if err := r.Sleep(ctx, r.cfg.Delay+r.Jitter(r.cfg.Jitter)); err != nil {
			r.logger.Warn("exit resolver: interrupted", "contract_id", contractID, "attempt", attempt, "err", err)
			return decimal.Decimal{}, false
		}
	}

	r.logger.Warn("exit price not found after polling",
		"contract_id", contractID,
		"retries", r.cfg.Retries,
	)
	return decimal.Decimal{}, false
}

func averagePrice(trades []broker.Trade, contractID string, side types.OrderSide) (decimal.Decimal, bool) {
	notional := decimal.Zero
	size := int64(0)
	for _, t := range trades {
		if t.ContractID != contractID || t.Side != side || t.Voided || t.Size <= 0 || !t.Price.Valid {
			continue
		}
		notional = notional.Add(t.Price.Decimal.Mul(decimal.NewFromInt(int64(t.Size))))
		size += int64(t.Size)
	}
	if size == 0 {
		return decimal.Decimal{}, false
	}
	return notional.Div(decimal.NewFromInt(size)), true
}
