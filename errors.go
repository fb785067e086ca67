package monotable

import (
	"errors"
	"fmt"

	"github.com/monotable/monotable/reqctx"
)

// Error kinds the mapper raises. Callers match them with errors.Is; the
// wrapped message carries the specifics (field name, entity type).
var (
	// ErrConfig is returned for registration-time violations and missing
	// required configuration.
	ErrConfig = errors.New("configuration error")

	// ErrValidation is returned when a field value fails its validator or
	// a required field is missing at create.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when an update or delete targets an id with
	// no live row.
	ErrNotFound = errors.New("item not found")

	// ErrConditional is returned when the backend rejects a write because
	// a caller-supplied condition or an optimistic-version condition did
	// not hold. Uniqueness violations surface through it too.
	ErrConditional = errors.New("conditional check failed")

	// ErrQuery is returned for compile-time errors in a caller-supplied
	// condition or key condition.
	ErrQuery = errors.New("query compile error")

	// ErrNoTenant is returned when tenancy is required and no tenant id
	// is in scope.
	ErrNoTenant = fmt.Errorf("tenant required but none in scope: %w", ErrConfig)

	// ErrNoScope is returned when an operation runs outside a request
	// scope. There is no silent unbatched fallback.
	ErrNoScope = reqctx.ErrNoScope

	// ErrBatchTimeout is returned when a batch's 10s hard timeout fires.
	ErrBatchTimeout = reqctx.ErrBatchTimeout
)

func configErrf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConfig)...)
}

func validationErrf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

func queryErrf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrQuery)...)
}

// uniqueErr is the distinct "must be unique" conditional error.
func uniqueErr(fieldName string) error {
	return fmt.Errorf("%s must be unique: %w", fieldName, ErrConditional)
}
