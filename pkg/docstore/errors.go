package docstore

import "errors"

var (
	// ErrInvalidName is returned for database, collection or document ids
	// that cannot be mapped to a single path element.
	ErrInvalidName = errors.New("docstore: invalid name")

	// ErrNilDocument is returned when Insert is called with a nil document.
	ErrNilDocument = errors.New("docstore: nil document")
)
