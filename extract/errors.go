package extract

import "fmt"

// SegmentationFailure means the document could not be split into units.
// Nothing was extracted.
type SegmentationFailure struct {
	DocumentID int64
	Err        error
}

func (e *SegmentationFailure) Error() string {
	return fmt.Sprintf("segmenting document %d: %v", e.DocumentID, e.Err)
}

func (e *SegmentationFailure) Unwrap() error { return e.Err }

// UnitExtractionFailure means one unit produced no facts: the unit could not
// be built, the completion call failed or timed out, or its output was not
// parseable. Other units are unaffected.
type UnitExtractionFailure struct {
	DocumentID int64
	Page       int
	Err        error
}

func (e *UnitExtractionFailure) Error() string {
	return fmt.Sprintf("extracting document %d page %d: %v", e.DocumentID, e.Page, e.Err)
}

func (e *UnitExtractionFailure) Unwrap() error { return e.Err }

// PersistenceFailure means a unit's facts were extracted but its write was
// rolled back. Units committed earlier stay committed.
type PersistenceFailure struct {
	DocumentID int64
	Page       int
	Err        error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persisting document %d page %d: %v", e.DocumentID, e.Page, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// RecordsExtractionFailure means whole-document record extraction produced
// nothing usable.
type RecordsExtractionFailure struct {
	DocumentID int64
	Err        error
}

func (e *RecordsExtractionFailure) Error() string {
	return fmt.Sprintf("extracting records from document %d: %v", e.DocumentID, e.Err)
}

func (e *RecordsExtractionFailure) Unwrap() error { return e.Err }
