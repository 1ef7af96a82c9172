package clinicalfacts

import (
	"errors"

	"github.com/brunobiangulo/clinicalfacts/store"
)

var (
	// ErrNotFound is returned when a document or patient ID does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrNoPatient is returned when no patient can be resolved for a write.
	ErrNoPatient = store.ErrNoPatient

	// ErrUnsupportedFormat is returned for content types with no segmenter.
	ErrUnsupportedFormat = errors.New("clinicalfacts: unsupported document format")

	// ErrEmptyDocument is returned when a document has no content.
	ErrEmptyDocument = errors.New("clinicalfacts: empty document")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("clinicalfacts: engine is closed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("clinicalfacts: invalid configuration")
)
