package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
)

type fakeHandler struct {
	mu     sync.Mutex
	calls  []domain.PointsAward
	errs   []error
	source string
}

func (h *fakeHandler) Award(_ context.Context, award domain.PointsAward, source string) (domain.PointsResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, award)
	h.source = source
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return domain.PointsResult{}, err
	}
	return domain.PointsResult{Recipient: award.RecipientUID, PointsChange: award.Points}, nil
}

func newTestConsumer(h AwardHandler) *Consumer {
	cfg := config.DefaultConfig().Kafka
	cfg.RetryBackoff = time.Millisecond
	return newConsumer(&cfg, h, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func message(value string, offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     "clan-points-awards",
		Partition: 2,
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestProcessAppliesAward(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConsumer(h)

	err := c.process(context.Background(), message(`{"giver_uid":"u1","recipient_uid":"u2","points":3,"reason":"pk trip"}`, 41))
	require.NoError(t, err)

	require.Len(t, h.calls, 1)
	assert.Equal(t, "kafka", h.source)
	assert.Equal(t, int64(3), h.calls[0].Points)
	assert.Equal(t, "clan-points-awards-2-41", h.calls[0].EventID)
	assert.Equal(t, time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC), h.calls[0].Timestamp)
}

func TestProcessKeepsExplicitEventID(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConsumer(h)

	require.NoError(t, c.process(context.Background(), message(`{"giver_uid":"u1","recipient_uid":"u2","points":1,"event_id":"abc"}`, 7)))
	assert.Equal(t, "abc", h.calls[0].EventID)
}

func TestProcessRejectsInvalidMessages(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not json", `{"giver_uid":`},
		{"missing giver", `{"recipient_uid":"u2","points":1}`},
		{"zero points", `{"giver_uid":"u1","recipient_uid":"u2","points":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{}
			c := newTestConsumer(h)

			err := c.process(context.Background(), message(tt.value, 1))
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			assert.Empty(t, h.calls)
		})
	}
}

func TestProcessRetriesTransientErrors(t *testing.T) {
	h := &fakeHandler{errs: []error{errors.New("connection refused"), errors.New("connection refused")}}
	c := newTestConsumer(h)

	require.NoError(t, c.process(context.Background(), message(`{"giver_uid":"u1","recipient_uid":"u2","points":1}`, 1)))
	assert.Len(t, h.calls, 3)
}

func TestProcessDoesNotRetryRejections(t *testing.T) {
	h := &fakeHandler{errs: []error{domain.ErrWeeklyRecipientCap}}
	c := newTestConsumer(h)

	err := c.process(context.Background(), message(`{"giver_uid":"u1","recipient_uid":"u2","points":1}`, 1))
	assert.ErrorIs(t, err, domain.ErrWeeklyRecipientCap)
	assert.Len(t, h.calls, 1)
}

func TestProcessTreatsDuplicateAsDone(t *testing.T) {
	h := &fakeHandler{errs: []error{domain.ErrDuplicateEvent}}
	c := newTestConsumer(h)

	assert.NoError(t, c.process(context.Background(), message(`{"giver_uid":"u1","recipient_uid":"u2","points":1}`, 1)))
	assert.Len(t, h.calls, 1)
}

func TestReadySignalSurvivesRebalance(t *testing.T) {
	ready := newReadySignal()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := &consumerGroupHandler{ready: ready}
			assert.NoError(t, h.Setup(nil))
		}()
	}

	select {
	case <-ready.done:
	case <-time.After(time.Second):
		t.Fatal("ready was never signalled")
	}
	wg.Wait()
}
