package autumndberrors

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// FromBackendError reclassifies a raw *sql.DB / *pq.Error failure into the
// taxonomy (spec §7): unique-violation becomes already-exists,
// string-data-right-truncation on the slug column becomes invalid-slug,
// statement timeouts and context deadlines become timeout, and anything
// else falls back to the generic, unexpected backend code.
func FromBackendError(err error, context string) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return New(CodeNoElement, context+": no matching row")
	}
	if IsTimeout(err) {
		return Wrap(CodeTimeout, context+": context deadline exceeded", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return Wrap(CodeAlreadyExists, context+": a contract with that slug and version already exists", err)
		case "string_data_right_truncation":
			return Wrap(CodeInvalidSlug, context+": slug exceeds the maximum column length", err)
		case "query_canceled":
			return Wrap(CodeTimeout, context+": statement canceled (timeout or client cancellation)", err)
		}
	}

	return Wrap(CodeBackend, context+": backend error", err)
}

// IsTimeout reports whether err resulted from a context deadline expiring
// on a backend operation, which the caller should surface as
// CodeTimeout without attempting any retry at this layer (spec §5).
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
