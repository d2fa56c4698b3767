package takeprofit

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/orders"
)

// Outcome reasons for a take-profit that was not placed.
const (
	ReasonFillNotFound = "fill_not_found"
	ReasonBuildFailed  = "build_failed"
	ReasonSendFailed   = "send_failed"
)

// PriceResolver finds the fill price of a just-opened position.
type PriceResolver interface {
	Resolve(ctx context.Context, contractID string) (decimal.Decimal, bool)
}

// Outcome reports one placement attempt.
type Outcome struct {
	Placed     bool
	Reason     string
	FillPrice  decimal.NullDecimal
	LimitPrice decimal.NullDecimal
	Result     orders.Result
}

// Placer resolves the fill, builds the take-profit and sends it.
type Placer struct {
	manager  *Manager
	resolver PriceResolver
	sender   *orders.Sender
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewPlacer creates a placer.
func NewPlacer(manager *Manager, resolver PriceResolver, sender *orders.Sender, logger *slog.Logger) *Placer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Placer{
		manager:  manager,
		resolver: resolver,
		sender:   sender,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
}

// PlaceAfterEntry places a take-profit for r. r.FillPrice is ignored and
// resolved from the engine. Failures are reported in the outcome, never as
// errors: the entry stands regardless.
func (p *Placer) PlaceAfterEntry(ctx context.Context, r Request) Outcome {
	fill, ok := p.resolver.Resolve(ctx, r.ContractID)
	if !ok {
		p.logger.Warn("take-profit skipped: fill price unknown", "contract_id", r.ContractID)
		p.recorder.RecordTakeProfit("failed")
		return Outcome{Reason: ReasonFillNotFound}
	}
	r.FillPrice = fill
	out := Outcome{FillPrice: decimal.NewNullDecimal(fill)}

	req, err := p.manager.BuildTPOrder(r)
	if err != nil {
		p.logger.Error("take-profit build failed", "contract_id", r.ContractID, "err", err)
		p.recorder.RecordTakeProfit("failed")
		out.Reason = ReasonBuildFailed + ": " + err.Error()
		return out
	}
	if req.LimitPrice != nil {
		out.LimitPrice = decimal.NewNullDecimal(decimal.NewFromFloat(*req.LimitPrice))
	}

	p.logger.Info("placing take-profit",
		"contract_id", req.ContractID,
		"side", req.Side.String(),
		"size", req.Size,
		"fill_price", fill.String(),
		"limit_price", out.LimitPrice.Decimal.String(),
	)

	out.Result = p.sender.Send(ctx, req, "LIMIT/TP")
	if !out.Result.Success {
		p.recorder.RecordTakeProfit("failed")
		out.Reason = ReasonSendFailed + ": " + out.Result.ErrorMessage
		return out
	}

	p.recorder.RecordTakeProfit("placed")
	out.Placed = true
	return out
}
