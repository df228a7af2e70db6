package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// Коды ошибок PostgreSQL, которые переводятся в ошибки хранилища.
const (
	codeUniqueViolation = "23505"
	codeInvalidText     = "22P02" // например, id не в формате uuid
)

// translateError приводит ошибки gorm и драйвера к ошибкам storage.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.ConstraintName)
		case codeInvalidText:
			return fmt.Errorf("%w: %s", storage.ErrNotFound, pgErr.Message)
		}
	}
	return err
}
