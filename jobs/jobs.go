// Package jobs runs extraction jobs delivered over AMQP.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind selects the extraction mode.
type Kind string

const (
	KindTriples Kind = "triples"
	KindRecords Kind = "records"
)

// ErrInvalidJob marks messages that can never succeed.
var ErrInvalidJob = errors.New("jobs: invalid job")

// Job is the message body.
type Job struct {
	Kind        Kind   `json:"kind"`
	Source      string `json:"source"`
	DocumentID  int64  `json:"document_id,omitempty"`
	PatientID   int64  `json:"patient_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Decode parses and validates a message body.
func Decode(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Validate checks required fields.
func (j Job) Validate() error {
	switch j.Kind {
	case KindTriples, KindRecords:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if strings.TrimSpace(j.Source) == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidJob)
	}
	if j.DocumentID < 0 || j.PatientID < 0 {
		return fmt.Errorf("%w: negative id", ErrInvalidJob)
	}
	return nil
}
