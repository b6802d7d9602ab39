package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a unique-constraint violation.
// gorm translates some drivers to ErrDuplicatedKey; the rest are matched
// on the driver's message (postgres 23505, mysql 1062, sqlite 2067).
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()
	for _, marker := range []string{
		"duplicate key value violates unique constraint",
		"Error 1062",
		"UNIQUE constraint failed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
