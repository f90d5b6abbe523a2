package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
)

// isDuplicateKey reports a primary/unique key violation. Drivers without
// gorm error translation are matched on their message text.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "23505")
}

// translateError maps database errors onto the domain taxonomy. Errors
// already classified pass through unchanged.
func translateError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrUnavailable):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", domain.ErrNotFound, op)
	case isDuplicateKey(err):
		return fmt.Errorf("%w: %s: %v", domain.ErrConflict, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrUnavailable, op, err)
	}
}
