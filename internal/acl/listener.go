package acl

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-authz/internal/infra"
	"go.uber.org/zap"
)

// StartInvalidationListener — «живучая» подписка на сигнал обновления
// правил. Любой инстанс, изменивший правила через админ-API, публикует
// сообщение в канал; остальные перечитывают состояние из БД и сбрасывают
// кэш решений. Сигналы best-effort: при недоступном Redis инстансы
// доедут до консистентности при следующем переподключении.
func (m *Manager) StartInvalidationListener(ctx context.Context, rdb *redis.Client) {
	for {
		pubsub := rdb.Subscribe(ctx, infra.RedisChanRuleUpdate)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("failed to subscribe", zap.String("chan", infra.RedisChanRuleUpdate), zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		// Синхронизация при каждом успешном коннекте: пока подписки не
		// было, сигналы могли быть пропущены
		if err := m.Reload(ctx); err != nil {
			m.logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				m.logger.Debug("rule update signal received", zap.String("payload", msg.Payload))
				if err := m.Reload(ctx); err != nil {
					m.logger.Error("reload on signal failed", zap.Error(err))
				}
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}
