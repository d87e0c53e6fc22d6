package agent

import "log/slog"

// Observer receives lifecycle notifications. Flow callbacks run on the
// event loop and batch callbacks on the writer, so implementations must not
// block.
type Observer interface {
	FlowStart(flow string)
	FlowEnd(flow string, batches, records int64)
	BatchWritten(flow string, records int)
	BatchFailed(flow string, records int, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) FlowStart(string)               {}
func (NopObserver) FlowEnd(string, int64, int64)   {}
func (NopObserver) BatchWritten(string, int)       {}
func (NopObserver) BatchFailed(string, int, error) {}

// logObserver writes the notifications as log lines and forwards them.
type logObserver struct {
	next Observer
}

func (o logObserver) FlowStart(flow string) {
	slog.Info("flow.start", "flow", flow)
	o.next.FlowStart(flow)
}

func (o logObserver) FlowEnd(flow string, batches, records int64) {
	slog.Info("flow.end", "flow", flow, "batches", batches, "records", records)
	o.next.FlowEnd(flow, batches, records)
}

func (o logObserver) BatchWritten(flow string, records int) {
	slog.Debug("batch written", "flow", flow, "records", records)
	o.next.BatchWritten(flow, records)
}

func (o logObserver) BatchFailed(flow string, records int, err error) {
	slog.Error("batch write failed", "flow", flow, "records", records, "error", err)
	o.next.BatchFailed(flow, records, err)
}
