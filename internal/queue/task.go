package queue

import (
	"fmt"
	"strings"
)

// AggregationTask is the broker payload for one debounced aggregation pass.
// It deliberately carries nothing beyond the vessel id: all data is re-read
// from the record store at execution time, so a task is safe to run late,
// run twice, or be redelivered.
type AggregationTask struct {
	VesselID      string `json:"vesselId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (t AggregationTask) Validate() error {
	if strings.TrimSpace(t.VesselID) == "" {
		return fmt.Errorf("vesselId is required")
	}
	return nil
}
