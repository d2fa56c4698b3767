package metrics

import (
	"strconv"
	"time"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrder records an order metric.
func (r *Recorder) RecordOrder(orderType, side, status string) {
	OrdersTotal.WithLabelValues(orderType, side, status).Inc()
}

// RecordSignal records a consumed signal.
func (r *Recorder) RecordSignal(position int) {
	SignalsTotal.WithLabelValues(strconv.Itoa(position)).Inc()
}

// RecordEntry records an entry attempt. Outcome is placed, failed, rejected or skipped.
func (r *Recorder) RecordEntry(scheduleID, outcome string) {
	if scheduleID == "" {
		scheduleID = "unscheduled"
	}
	EntriesTotal.WithLabelValues(scheduleID, outcome).Inc()
}

// RecordRiskRejection records a risk veto.
func (r *Recorder) RecordRiskRejection(reason string) {
	RiskRejections.WithLabelValues(reason).Inc()
}

// RecordQuota records the day's usage of a schedule.
func (r *Recorder) RecordQuota(scheduleID string, used int) {
	QuotaUsed.WithLabelValues(scheduleID).Set(float64(used))
}

// RecordFillResolve records how a fill price resolution ended.
func (r *Recorder) RecordFillResolve(attempts int, found bool) {
	FillResolveAttempts.Observe(float64(attempts))
	outcome := "timeout"
	if found {
		outcome = "found"
	}
	FillResolveTotal.WithLabelValues(outcome).Inc()
}

// RecordTakeProfit records a take-profit outcome: placed, failed or skipped.
func (r *Recorder) RecordTakeProfit(outcome string) {
	TakeProfitTotal.WithLabelValues(outcome).Inc()
}

// RecordFlatten records a flatten operation.
func (r *Recorder) RecordFlatten(reason string) {
	FlattensTotal.WithLabelValues(reason).Inc()
}

// RecordPosition records the current direction of an instrument.
func (r *Recorder) RecordPosition(instrument string, direction int) {
	CurrentPosition.WithLabelValues(instrument).Set(float64(direction))
}

// RecordPnLDay records today's realized P&L.
func (r *Recorder) RecordPnLDay(pnl float64) {
	PnLDay.Set(pnl)
}

// RecordDailyLimit records a daily limit being reached.
func (r *Recorder) RecordDailyLimit(limit string) {
	DailyLimitsTotal.WithLabelValues(limit).Inc()
}

// RecordOrderLatency records order execution latency.
func (r *Recorder) RecordOrderLatency(duration time.Duration) {
	OrderLatency.Observe(duration.Seconds())
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordBrokerStatus records broker connection status.
func (r *Recorder) RecordBrokerStatus(connected bool) {
	if connected {
		BrokerConnected.Set(1)
	} else {
		BrokerConnected.Set(0)
	}
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveOrder observes the elapsed time as order latency.
func (t *Timer) ObserveOrder() {
	OrderLatency.Observe(t.Elapsed().Seconds())
}
