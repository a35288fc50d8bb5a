package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// ForwardTarget is one dispatched destination as recorded in the forward log.
type ForwardTarget struct {
	Kind      string `json:"kind"`
	Value     string `json:"value"`
	Recipient string `json:"recipient"`
}

// ForwardRecord is the durable completion record written once a forwarding
// unit has been handed to the queue. It is what ties a queue entry back to the
// transaction that produced it.
type ForwardRecord struct {
	TransactionID string
	QueueID       string
	Sender        string
	Recipients    []string
	Targets       []ForwardTarget
}

// InsertForwardRecord appends a completion record for a dispatched forwarding unit.
func (db *Database) InsertForwardRecord(ctx context.Context, rec *ForwardRecord) error {
	targets, err := json.Marshal(rec.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode forward targets: %w", err)
	}

	_, err = db.GetWritePool().Exec(ctx, `
		INSERT INTO forward_log (transaction_id, queue_id, action, sender, recipients, targets, created_at)
		VALUES ($1, $2, 'FORWARD', $3, $4, $5, now())
	`, rec.TransactionID, rec.QueueID, rec.Sender, rec.Recipients, targets)
	if err != nil {
		return fmt.Errorf("failed to insert forward record: %w", err)
	}
	return nil
}
