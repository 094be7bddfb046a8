// Package events publishes completed ledger transactions to Kafka for
// downstream consumers (notifications, analytics). Publishing is
// best-effort: the ledger row is already committed when an event goes out.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
)

const defaultTopic = "ledger.transaction_completed"

// TransactionEvent is the wire payload for a completed transaction.
type TransactionEvent struct {
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	FromAccount   string    `json:"from_account,omitempty"`
	ToAccount     string    `json:"to_account,omitempty"`
	Amount        string    `json:"amount"`
	ChainTxHash   string    `json:"chain_tx_hash,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// KafkaPublisher implements ledger.Publisher on top of a kafka-go writer.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = defaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// TransactionCompleted publishes one event keyed by transaction id.
func (p *KafkaPublisher) TransactionCompleted(ctx context.Context, tx *ledger.Transaction) error {
	event := TransactionEvent{
		TransactionID: tx.ID.String(),
		Type:          string(tx.Type),
		Status:        string(tx.Status),
		Amount:        tx.Amount.StringFixed(ledger.Scale),
		ChainTxHash:   tx.ChainTxHash,
		OccurredAt:    time.Now().UTC(),
	}
	if tx.FromAccount != nil {
		event.FromAccount = tx.FromAccount.String()
	}
	if tx.ToAccount != nil {
		event.ToAccount = tx.ToAccount.String()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
