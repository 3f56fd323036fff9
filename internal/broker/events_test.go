package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublishKeysByOwner(t *testing.T) {
	writer := &recordingWriter{}
	publisher := NewEventPublisher(&Producer{writer: writer, logger: zap.NewNop()})

	event := &models.DepositConfirmedEvent{
		BaseEvent:  models.NewBaseEvent(models.EventTypeDepositConfirmed, time.Now()),
		OwnerID:    42,
		IntentID:   7,
		Amount:     50000,
		NewBalance: 50000,
		TxID:       "tx-1",
	}
	require.NoError(t, publisher.PublishDepositConfirmed(context.Background(), event))

	require.Len(t, writer.messages, 1)
	assert.Equal(t, "owner-42", string(writer.messages[0].Key))

	var decoded models.DepositConfirmedEvent
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &decoded))
	assert.Equal(t, models.EventTypeDepositConfirmed, decoded.EventType)
	assert.Equal(t, int64(50000), decoded.Amount)
	assert.NotEmpty(t, decoded.EventID)
}

func TestPublishSurfacesWriterError(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	publisher := NewEventPublisher(&Producer{writer: writer, logger: zap.NewNop()})

	err := publisher.PublishOrderExpired(context.Background(), &models.OrderExpiredEvent{OwnerID: 1})
	assert.Error(t, err)
}

func TestHandleMessageRoutesInstructionIssued(t *testing.T) {
	handler := NewEventHandler()

	var got *models.PaymentInstructionIssuedEvent
	handler.OnPaymentInstructionIssued(func(_ context.Context, e *models.PaymentInstructionIssuedEvent) error {
		got = e
		return nil
	})

	value, err := json.Marshal(&models.PaymentInstructionIssuedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentInstructionIssued, time.Now()),
		OwnerID:   3,
		Kind:      models.IntentKindDeposit,
		Code:      "NAP3X0001",
	})
	require.NoError(t, err)

	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, got)
	assert.Equal(t, "NAP3X0001", got.Code)

	other, _ := json.Marshal(models.NewBaseEvent(models.EventTypeOrderExpired, time.Now()))
	assert.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: other}))

	assert.Error(t, handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}
