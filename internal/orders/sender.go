package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/metrics"
)

// DefaultTimeout bounds every placement.
const DefaultTimeout = 10 * time.Second

// Result is the normalized outcome of one placement. ErrorCode keeps a zero
// code distinct from an absent one.
type Result struct {
	Success      bool
	OrderID      *int64
	Status       *int
	ErrorCode    *int
	ErrorMessage string
	Raw          *broker.PlaceResponse
}

// AuditFunc receives every placement attempt, successful or not.
type AuditFunc func(ctx context.Context, req broker.OrderRequest, res Result)

// Sender submits orders through an execution engine. It never returns an
// error: transport failures become failed results.
type Sender struct {
	engine   broker.ExecutionEngine
	timeout  time.Duration
	logger   *slog.Logger
	recorder *metrics.Recorder
	audit    AuditFunc
}

// NewSender creates a sender. A non-positive timeout uses DefaultTimeout.
func NewSender(engine broker.ExecutionEngine, timeout time.Duration, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{
		engine:   engine,
		timeout:  timeout,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
}

// WithAudit registers a hook called after every placement.
func (s *Sender) WithAudit(fn AuditFunc) *Sender {
	s.audit = fn
	return s
}

// Send places req. The tag labels the attempt in logs.
func (s *Sender) Send(ctx context.Context, req broker.OrderRequest, tag string) Result {
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	timer := metrics.NewTimer()
	resp, err := s.engine.PlaceOrder(sendCtx, req)
	s.recorder.RecordOrderLatency(timer.Elapsed())

	var res Result
	if err != nil {
		res = Result{ErrorMessage: fmt.Sprintf("order sender: place order: %v", err)}
		s.logger.Error("order send failed",
			"tag", tag,
			"contract_id", req.ContractID,
			"type", req.Type.String(),
			"err", err,
		)
		s.recorder.RecordError("place_order")
	} else {
		res = Result{
			Success:   resp.Success,
			OrderID:   resp.OrderID,
			Status:    resp.Status,
			ErrorCode: resp.ErrorCode,
			Raw:       &resp,
		}
		if resp.ErrorMessage != nil {
			res.ErrorMessage = *resp.ErrorMessage
		}
	}

	status := "failed"
	if res.Success {
		status = "placed"
	}
	s.recorder.RecordOrder(req.Type.String(), req.Side.String(), status)

	if tag != "" {
		s.logger.Info("order sent",
			"tag", tag,
			"success", res.Success,
			"order_id", deref(res.OrderID),
			"error_code", deref(res.ErrorCode),
			"error_message", res.ErrorMessage,
		)
	}

	if s.audit != nil {
		s.audit(ctx, req, res)
	}
	return res
}

func deref[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
