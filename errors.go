package goktas

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bbiangul/go-ktas/parser"
	"github.com/bbiangul/go-ktas/patient"
)

var (
	// ErrResourceNotFound is returned when the deck or another input file is missing.
	ErrResourceNotFound = errors.New("goktas: resource not found")

	// ErrValidation is returned when a patient record lacks mandatory fields.
	ErrValidation = errors.New("goktas: validation failed")

	// ErrExternalService is returned when the embedding or chat service fails.
	ErrExternalService = errors.New("goktas: external service failed")

	// ErrTimeout is returned when an external call exceeds its deadline.
	// It also matches ErrExternalService.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrExternalService)

	// ErrIndexMissing is returned when the index is absent and no deck is
	// configured to build it from.
	ErrIndexMissing = errors.New("goktas: index missing")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("goktas: invalid configuration")

	// ErrNoResults is returned when extraction yields no records.
	ErrNoResults = errors.New("goktas: no results found")
)

// classify wraps err with the sentinel matching its cause. Errors already
// carrying a sentinel, and errors of unknown cause, are returned unchanged.
func classify(err error) error {
	if err == nil || hasSentinel(err) {
		return err
	}
	var ve *patient.ValidationError
	var nf *parser.NotFoundError
	switch {
	case errors.As(err, &ve):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.As(err, &nf), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrResourceNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// external is classify for failures of the embedding or chat service: any
// unclassified error becomes ErrExternalService.
func external(err error) error {
	if err == nil {
		return nil
	}
	c := classify(err)
	if hasSentinel(c) || errors.Is(c, context.Canceled) {
		return c
	}
	return fmt.Errorf("%w: %w", ErrExternalService, err)
}

func hasSentinel(err error) bool {
	for _, s := range []error{ErrResourceNotFound, ErrValidation, ErrExternalService, ErrIndexMissing, ErrInvalidConfig, ErrNoResults} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
