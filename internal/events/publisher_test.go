package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/papertrade/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleTransaction() models.Transaction {
	return models.Transaction{
		ID:        3,
		UserID:    42,
		AssetID:   7,
		Symbol:    "BTC",
		Side:      models.SideBuy,
		Amount:    decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(500),
		Fee:       decimal.RequireFromString("7.5"),
		Total:     decimal.RequireFromString("507.5"),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), sampleTransaction()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "42", string(msg.Key))

	var ev TradeEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, 3, ev.TransactionID)
	assert.Equal(t, "BTC", ev.Symbol)
	assert.Equal(t, models.SideBuy, ev.Side)
	assert.True(t, ev.Total.Equal(decimal.RequireFromString("507.5")))
	assert.True(t, ev.SettledAt.Equal(sampleTransaction().CreatedAt))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &Publisher{writer: &fakeWriter{err: boom}}

	err := p.Publish(context.Background(), sampleTransaction())
	assert.ErrorIs(t, err, boom)
}

func TestPublisher_NoBrokers(t *testing.T) {
	p := NewPublisher(nil, "trades")
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Publish(context.Background(), sampleTransaction()))
	assert.NoError(t, p.Close())

	assert.True(t, NewPublisher([]string{"localhost:9092"}, "trades").Enabled())
}
