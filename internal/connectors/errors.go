package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted - все попытки израсходованы. Оборачивает последнюю ошибку.
var ErrRetriesExhausted = errors.New("connectors: retries exhausted")

// StatusError - ответ с ретраябельным статусом (429 или 5xx).
// RetryAfter заполняется из одноименного заголовка.
type StatusError struct {
	Host       string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s responded %d: retry after %v", e.Host, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("%s responded %d", e.Host, e.StatusCode)
}
