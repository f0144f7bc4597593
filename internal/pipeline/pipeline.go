// Package pipeline содержит обработчики трёх стадий: извлечение текста,
// анализ и запись результатов. Каждый обработчик получает тело сообщения
// из брокера и возвращает nil, обычную ошибку (повтор) или
// broker.Permanent (сообщение отбрасывается).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"paperflow/internal/broker"
)

// Publisher отправляет сообщение следующей стадии
type Publisher interface {
	Publish(ctx context.Context, queue string, msg any) error
}

type validatable interface {
	Validate() error
}

// decode разбирает и проверяет сообщение; ошибка схемы не исправится повтором
func decode[T any, PT interface {
	*T
	validatable
}](body []byte) (*T, error) {
	msg := PT(new(T))
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, broker.Permanent(fmt.Errorf("malformed message: %w", err))
	}
	if err := msg.Validate(); err != nil {
		return nil, broker.Permanent(err)
	}
	return (*T)(msg), nil
}
