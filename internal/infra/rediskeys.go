package infra

// RedisNamespace — базовый префикс для изоляции данных шлюза в Redis.
const RedisNamespace = "ironcage"

// Ключи для Sets (состояние).
const (
	// RedisKeyRevokedAgents — множество отозванных агентов; загружается
	// целиком при старте и при каждом переподключении слушателя.
	RedisKeyRevokedAgents = RedisNamespace + ":agents:revoked_set"
)

// Каналы Pub/Sub (события).
const (
	// RedisChanRevocation — сигналы отзыва/восстановления доступа
	// в формате "agent_id:true|false".
	RedisChanRevocation = RedisNamespace + ":agents:revocation-signal"
)
