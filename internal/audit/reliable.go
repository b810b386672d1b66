package audit

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ReliableStorage оборачивает хранилище аудита в Retry + Circuit Breaker.
// Аудит по контракту best-effort: когда предохранитель открыт (БД лежит),
// пачки отбрасываются с ошибкой в логах вместо бесконечных попыток.
type ReliableStorage struct {
	next     Storage
	cb       *gobreaker.CircuitBreaker
	attempts uint
	logger   *zap.Logger
}

// BreakerSettings — параметры предохранителя из секции audit конфигурации.
type BreakerSettings struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	RetryAttempts uint
}

func NewReliableStorage(next Storage, logger *zap.Logger, s BreakerSettings) *ReliableStorage {
	if s.RetryAttempts == 0 {
		s.RetryAttempts = 3
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "audit-storage",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &ReliableStorage{
		next:     next,
		cb:       cb,
		attempts: s.RetryAttempts,
		logger:   logger.With(zap.String("mod", "audit-storage")),
	}
}

func (r *ReliableStorage) WriteBatch(ctx context.Context, events []Event) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.attempts),
		)

		retryErr := rt.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return r.next.WriteBatch(tCtx, events)
		})
		return nil, retryErr
	})

	if err != nil {
		r.logger.Error("audit batch dropped",
			zap.Int("events", len(events)),
			zap.Error(err))
	}
	return err
}
