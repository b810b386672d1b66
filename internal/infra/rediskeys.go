package infra

// RedisNamespace — базовый префикс для изоляции данных сервиса в Redis.
const RedisNamespace = "authz"

// Каналы Pub/Sub. Кэши решений и грантов локальны для инстанса;
// через Redis летят только best-effort сигналы инвалидации.
const (
	// RedisChanRuleUpdate — любое изменение правил/агентов: подписчики
	// перечитывают набор правил из БД и сбрасывают кэш решений.
	RedisChanRuleUpdate = RedisNamespace + ":acl:rule-update"

	// RedisChanGrantRevoked — отзыв гранта: payload содержит request_id,
	// по которому соседние инстансы выкидывают грант из своих кэшей.
	RedisChanGrantRevoked = RedisNamespace + ":grants:revoked"
)
