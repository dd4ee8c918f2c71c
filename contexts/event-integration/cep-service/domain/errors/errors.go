// Package errors holds the sentinel errors the cep-service domain can
// return, grouped by the error kinds from spec §7.
package errors

import "errors"

var (
	// ErrMalformedRecord is returned by codec.DecodeMono/DecodeMulti when a
	// broker entry is missing a required field, has a bad numeric or
	// timestamp parse, fails Validate, or has invalid embedded JSON. An
	// event id is only checked for being non-empty; its format is not parsed.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrInvalidRule names a CorrelationRule that fails Validate. No code
	// path in this module returns it.
	ErrInvalidRule = errors.New("invalid correlation rule")

	// ErrInvalidEvent names a MonoEvent or MultiEvent that fails Validate.
	// No code path in this module returns it; the codec reports such
	// events as ErrMalformedRecord.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrAlreadyArchived marks the benign idempotency race in
	// try_mark_archived (I5): a concurrent archiver already claimed this
	// (stream, broker_message_id) pair.
	ErrAlreadyArchived = errors.New("stream position already archived")

	// ErrTransient wraps a retryable broker/store failure (network,
	// connection, serialization conflict).
	ErrTransient = errors.New("transient failure")

	// ErrPermanent wraps a non-retryable store failure other than the
	// expected idempotency collision.
	ErrPermanent = errors.New("permanent failure")

	// ErrShuttingDown is returned by blocking calls once cancellation has
	// been observed.
	ErrShuttingDown = errors.New("shutting down")

	// ErrConfig marks invalid startup configuration.
	ErrConfig = errors.New("invalid configuration")
)
