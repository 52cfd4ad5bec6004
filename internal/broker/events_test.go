package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJobs(t *testing.T) {
	order := &models.Order{ID: 12, Items: []models.OrderItem{{ProductName: "Chair"}}}
	job := models.NewAdvanceJob(order, models.OrderStatusProcessing, time.Now())
	raw, err := json.Marshal(job)
	require.NoError(t, err)

	var got *models.Job
	var poisoned []error
	handler := DecodeJobs(func(ctx context.Context, j *models.Job) error {
		got = j
		return nil
	}, func(msg kafka.Message, err error) {
		poisoned = append(poisoned, err)
	})

	require.NoError(t, handler(context.Background(), kafka.Message{Value: raw}))
	require.NotNil(t, got)
	assert.Equal(t, job.Key, got.Key)
	assert.Empty(t, poisoned)

	require.NoError(t, handler(context.Background(), kafka.Message{Value: []byte("{not json")}))
	require.NoError(t, handler(context.Background(), kafka.Message{Value: []byte(`{"key":"order:1:processing","kind":"auto_cancel","maxAttempts":5}`)}))
	assert.Len(t, poisoned, 2)
}

func TestOrderKey(t *testing.T) {
	assert.Equal(t, "order-42", orderKey(42))
}
