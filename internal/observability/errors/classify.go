// Package errors classifies errors into short tags for metrics and logs.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
)

// Classify returns a stable, low-cardinality class for err. Known conditions
// get fixed names; anything else is named after the innermost concrete type.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if class := known(err); class != "" {
		return class
	}
	return typeName(innermost(err))
}

func known(err error) string {
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	case goerrors.Is(err, model.ErrClaimLost):
		return "claim_lost"
	case goerrors.Is(err, redis.Nil):
		return "redis_nil"
	}

	if code := apperrors.GetCode(err); code != "" && code != apperrors.ErrCodeInternal {
		return "app_" + string(code)
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return "pg_" + strings.ToLower(pgErr.Code)
	}
	var netErr net.Error
	if goerrors.As(err, &netErr) {
		if netErr.Timeout() {
			return "net_timeout"
		}
		return "net_error"
	}
	return ""
}

// innermost follows single-error Unwrap chains and the first branch of joined
// errors.
func innermost(err error) error {
	for {
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			next := u.Unwrap()
			if next == nil {
				return err
			}
			err = next
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 || errs[0] == nil {
				return err
			}
			err = errs[0]
		default:
			return err
		}
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.String() == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
}
