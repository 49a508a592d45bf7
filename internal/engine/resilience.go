package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// listenSignalsResilient — живучий цикл подписки на сигналы Redis:
// переподключение с ресинхронизацией, логирование, разбор сообщений.
func listenSignalsResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // ресинхронизация состояния при (пере)подключении
	onMessage func(id string, status bool),
) {
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			pubsub.Close()
			time.Sleep(5 * time.Second)
			continue
		}

		// Полная синхронизация при каждом успешном коннекте: дельты,
		// пропущенные за время обрыва, подтянутся из набора
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
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
					break loop // канал закрыт — на переподключение
				}

				// Формат сигнала: "agent_id:true|false"
				parts := strings.Split(msg.Payload, ":")
				if len(parts) != 2 {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}

				onMessage(parts[0], parts[1] == "true" || parts[1] == "on")
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}
