package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]Event
	failN   int // Первые failN вызовов завершаются ошибкой
}

func (m *memStorage) WriteBatch(ctx context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return errors.New("storage unavailable")
	}
	batch := append([]Event(nil), events...)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestTrail_StopDrainsBuffer(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, zap.NewNop(), Options{BufferSize: 100, BatchSize: 10, FlushInterval: time.Hour})
	trail.Start()

	for i := 0; i < 25; i++ {
		trail.Log(Event{Action: ActionACLAllow, AgentID: "a1"})
	}
	trail.Stop()

	assert.Equal(t, 25, storage.total(), "all buffered events survive a graceful stop")
}

func TestTrail_BatchSizeTriggersFlush(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, zap.NewNop(), Options{BufferSize: 100, BatchSize: 5, FlushInterval: time.Hour})
	trail.Start()
	defer trail.Stop()

	for i := 0; i < 5; i++ {
		trail.Log(Event{Action: ActionGrant, AgentID: "a1"})
	}

	require.Eventually(t, func() bool {
		return storage.total() >= 5
	}, time.Second, 5*time.Millisecond, "full batch flushes without waiting for the ticker")
}

func TestTrail_FillsIDAndTimestamp(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, zap.NewNop(), Options{BufferSize: 10, BatchSize: 1, FlushInterval: time.Hour})
	trail.Start()

	trail.Log(Event{Action: ActionRevoke, AgentID: "a1"})
	trail.Stop()

	require.Equal(t, 1, storage.total())
	e := storage.batches[0][0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestTrail_OverflowDropsInsteadOfBlocking(t *testing.T) {
	storage := &memStorage{}
	// Воркер не запущен: буфер заполняется и переполняется
	trail := NewTrail(storage, zap.NewNop(), Options{BufferSize: 2, BatchSize: 10, FlushInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			trail.Log(Event{Action: ActionDeny, AgentID: "a1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log must never block the caller")
	}

	trail.Start()
	trail.Stop()
	assert.Equal(t, 2, storage.total(), "only the buffered events survive, the rest were shed")
}

func TestTrail_LogAfterStopIsDropped(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, zap.NewNop(), Options{BufferSize: 10, BatchSize: 10, FlushInterval: time.Hour})
	trail.Start()
	trail.Stop()

	trail.Log(Event{Action: ActionGrant, AgentID: "late"}) // Не должно паниковать на закрытом канале
	assert.Equal(t, 0, storage.total())
}

func TestReliableStorage_RetriesTransientFailures(t *testing.T) {
	storage := &memStorage{failN: 2}
	rs := NewReliableStorage(storage, zap.NewNop(), BreakerSettings{RetryAttempts: 3})

	err := rs.WriteBatch(context.Background(), []Event{{ID: "e1", Action: ActionGrant}})
	require.NoError(t, err, "third attempt succeeds within the retry budget")
	assert.Equal(t, 1, storage.total())
}

func TestReliableStorage_GivesUpAfterRetryBudget(t *testing.T) {
	storage := &memStorage{failN: 100}
	rs := NewReliableStorage(storage, zap.NewNop(), BreakerSettings{RetryAttempts: 2})

	err := rs.WriteBatch(context.Background(), []Event{{ID: "e1", Action: ActionGrant}})
	require.Error(t, err)
	assert.Equal(t, 0, storage.total())
}
