package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "sigrisk"
)

// Ключи threat-feed (L2)
const (
	RedisKeyFeedHosts      = RedisNamespace + ":feed:hosts"
	RedisKeyLockFeedWarmup = RedisNamespace + ":lock:warmup:feed"
)

// Каналы Pub/Sub (события сенсоров)
const (
	RedisChanEventsPrefix = RedisNamespace + ":events:"
	RedisChanAlerts       = RedisNamespace + ":alerts"
	RedisChanSession      = RedisNamespace + ":session"
)

// FeedURLKey - хэш записей фида по URL. digest уже hex от blake2b.
func FeedURLKey(digest string) string {
	return fmt.Sprintf("%s:feed:url:%s", RedisNamespace, digest)
}

// FeedHostKey - хэш записей фида по хосту.
func FeedHostKey(host string) string {
	return fmt.Sprintf("%s:feed:host:%s", RedisNamespace, host)
}

// EventsChannel - канал Pub/Sub, в который публикует конкретный сенсор.
func EventsChannel(source string) string {
	return RedisChanEventsPrefix + source
}
