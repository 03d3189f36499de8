package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// detailKey matches the column list in "Key (col)=(value) already exists.".
var detailKey = regexp.MustCompile(`Key \(([^)]+)\)=`)

// pgMapping translates one SQLSTATE into an AppError.
type pgMapping struct {
	code    ErrorCode
	message func(*pgconn.PgError) string
	field   func(*pgconn.PgError) string
}

func columnName(e *pgconn.PgError) string { return e.ColumnName }

var pgMappings = map[string]pgMapping{
	pgerrcode.UniqueViolation: {
		code:    ErrCodeConflict,
		message: func(*pgconn.PgError) string { return "job already exists" },
		field:   conflictField,
	},
	pgerrcode.CheckViolation: {
		code:    ErrCodeValidation,
		message: func(e *pgconn.PgError) string { return "job violates constraint " + e.ConstraintName },
		field:   columnName,
	},
	pgerrcode.NotNullViolation: {
		code:    ErrCodeValidation,
		message: func(*pgconn.PgError) string { return "required job field is missing" },
		field:   columnName,
	},
}

// MapDBError turns driver and context errors into AppErrors: no rows becomes
// not_found, unique violations become conflict (with the column when known),
// check and not-null violations become validation, other SQLSTATEs become
// internal, and context expiry becomes timeout or canceled. Anything else is
// returned unchanged.
func MapDBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: ErrCodeTimeout, Message: "database operation timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &AppError{Code: ErrCodeCanceled, Message: "database operation canceled", Cause: err}
	case errors.Is(err, pgx.ErrNoRows):
		return &AppError{Code: ErrCodeNotFound, Message: "job not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	m, ok := pgMappings[pgErr.Code]
	if !ok {
		return &AppError{Code: ErrCodeInternal, Message: "database error", Cause: pgErr}
	}
	return &AppError{Code: m.code, Message: m.message(pgErr), Field: m.field(pgErr), Cause: pgErr}
}

// conflictField prefers the reported column, then the Detail text, then a
// known index name.
func conflictField(e *pgconn.PgError) string {
	if e.ColumnName != "" {
		return e.ColumnName
	}
	if m := detailKey.FindStringSubmatch(e.Detail); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.Contains(e.ConstraintName, "idempotency_key") {
		return "idempotency_key"
	}
	return ""
}

// IsUniqueViolationOn reports whether err is a conflict on field.
func IsUniqueViolationOn(err error, field string) bool {
	return IsConflict(err) && GetField(err) == field
}
