// Package events publishes settled trades to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/models"
)

// TradeEvent is the message value written for every settled transaction
type TradeEvent struct {
	TransactionID int             `json:"transaction_id"`
	UserID        int             `json:"user_id"`
	AssetID       int             `json:"crypto_id"`
	Symbol        string          `json:"crypto"`
	Side          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Total         decimal.Decimal `json:"total"`
	SettledAt     time.Time       `json:"settled_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes trade events to a topic. A Publisher with no brokers
// discards everything.
type Publisher struct {
	writer messageWriter
}

// NewPublisher creates a publisher for topic. With no brokers it is a no-op.
func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 {
		return &Publisher{}
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Enabled reports whether events are actually sent
func (p *Publisher) Enabled() bool {
	return p.writer != nil
}

// Publish writes tx keyed by user id, so one user's trades stay ordered
func (p *Publisher) Publish(ctx context.Context, tx models.Transaction) error {
	if p.writer == nil {
		return nil
	}

	msg, err := encode(tx)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write trade event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func encode(tx models.Transaction) (kafka.Message, error) {
	value, err := json.Marshal(TradeEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		AssetID:       tx.AssetID,
		Symbol:        tx.Symbol,
		Side:          tx.Side,
		Amount:        tx.Amount,
		Price:         tx.Price,
		Fee:           tx.Fee,
		Total:         tx.Total,
		SettledAt:     tx.CreatedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode trade event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.Itoa(tx.UserID)),
		Value: value,
		Time:  tx.CreatedAt,
	}, nil
}
