package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"paperflow/internal/domain"
)

// Коды Postgres, при которых транзакцию загрузки можно повторить целиком
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// mapError переводит ошибки драйвера в доменные
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation, pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %s: %v", domain.ErrConcurrentModification, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}
