// Package statebus publishes committed execution events to kafka and
// consumes them on the receiving side. Other systems subscribe to the topic
// to mirror warden's audit stream without polling the repository.
package statebus

import (
	"context"
	"time"

	"warden/pkg/models"
)

// ExecutionEvent is the wire representation of one committed execution.
type ExecutionEvent struct {
	ProjectID       string                  `json:"project_id"`
	RequestID       string                  `json:"request_id"`
	ActionID        string                  `json:"action_id"`
	UserID          string                  `json:"user_id,omitempty"`
	Status          models.ExecutionStatus  `json:"status"`
	StateSnapshotID string                  `json:"state_snapshot_id"`
	StateDiff       []models.StateDiffEntry `json:"state_diff,omitempty"`
	Cost            float64                 `json:"cost,omitempty"`
	Timestamp       time.Time               `json:"timestamp"`
}

// EventFromResult builds the bus event for a committed result.
func EventFromResult(projectID string, res *models.ExecutionResult) ExecutionEvent {
	return ExecutionEvent{
		ProjectID:       projectID,
		RequestID:       res.RequestID,
		ActionID:        res.ActionID,
		UserID:          res.UserID,
		Status:          res.Status,
		StateSnapshotID: res.StateSnapshotID,
		StateDiff:       res.StateDiff,
		Cost:            res.Cost,
		Timestamp:       res.Timestamp,
	}
}

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, event ExecutionEvent) error
	Close() error
}
