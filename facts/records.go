package facts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// DocumentCategory is the inferred kind of a clinical document.
type DocumentCategory string

const (
	CategoryHealthVisits  DocumentCategory = "health_visits"
	CategoryImmunizations DocumentCategory = "immunizations"
	CategoryLabResults    DocumentCategory = "lab_results"
	CategoryImaging       DocumentCategory = "imaging"
	CategoryMedications   DocumentCategory = "medications"
	CategoryOther         DocumentCategory = "other"
)

// Categories lists every valid DocumentCategory.
func Categories() []DocumentCategory {
	return []DocumentCategory{
		CategoryHealthVisits, CategoryImmunizations, CategoryLabResults,
		CategoryImaging, CategoryMedications, CategoryOther,
	}
}

func (c DocumentCategory) valid() bool {
	for _, v := range Categories() {
		if c == v {
			return true
		}
	}
	return false
}

// ConditionStatus is the clinical status of a condition record.
type ConditionStatus string

const (
	StatusActive     ConditionStatus = "active"
	StatusRecurrence ConditionStatus = "recurrence"
	StatusRelapse    ConditionStatus = "relapse"
	StatusInactive   ConditionStatus = "inactive"
	StatusRemission  ConditionStatus = "remission"
	StatusResolved   ConditionStatus = "resolved"
	StatusUnknown    ConditionStatus = "unknown"
)

// Statuses lists every valid ConditionStatus.
func Statuses() []ConditionStatus {
	return []ConditionStatus{
		StatusActive, StatusRecurrence, StatusRelapse, StatusInactive,
		StatusRemission, StatusResolved, StatusUnknown,
	}
}

func (s ConditionStatus) valid() bool {
	for _, v := range Statuses() {
		if s == v {
			return true
		}
	}
	return false
}

// DateLayout is the wire and storage format of record dates.
const DateLayout = "2006-01-02"

// Date is a calendar date in YYYY-MM-DD form. The zero value means unknown.
type Date string

// Time parses the date.
func (d Date) Time() (time.Time, error) {
	return time.Parse(DateLayout, string(d))
}

// NewDate formats t as a Date.
func NewDate(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// ConditionRecord is a diagnosed condition.
type ConditionRecord struct {
	Name      string          `json:"name"`
	Status    ConditionStatus `json:"status,omitempty"`
	Onset     Date            `json:"onset,omitempty"`
	Abatement Date            `json:"abatement,omitempty"`
}

// ImmunizationRecord is an administered vaccine.
type ImmunizationRecord struct {
	Name string `json:"name"`
	Date Date   `json:"date,omitempty"`
}

// PractitionerRecord is a clinician named in the document.
type PractitionerRecord struct {
	Name string `json:"name"`
}

// RecordsResponse is the typed result of whole-document extraction.
type RecordsResponse struct {
	DocumentCategory DocumentCategory     `json:"document_category,omitempty"`
	DocumentDate     Date                 `json:"document_date,omitempty"`
	Conditions       []ConditionRecord    `json:"conditions"`
	Immunizations    []ImmunizationRecord `json:"immunizations"`
	Practitioners    []PractitionerRecord `json:"practitioners"`
}

// Len is the total number of records.
func (r RecordsResponse) Len() int {
	return len(r.Conditions) + len(r.Immunizations) + len(r.Practitioners)
}

// CreatedCounts reports how many new rows a PersistRecords call inserted.
type CreatedCounts struct {
	Conditions    int `json:"conditions"`
	Immunizations int `json:"immunizations"`
	Practitioners int `json:"practitioners"`
}

// Total sums the counts.
func (c CreatedCounts) Total() int {
	return c.Conditions + c.Immunizations + c.Practitioners
}

// RecordsValidationError reports the first record that failed validation.
// List is empty for document-level fields and syntax errors.
type RecordsValidationError struct {
	List   string
	Index  int
	Reason string
	Err    error
}

func (e *RecordsValidationError) Error() string {
	if e.List == "" {
		return "facts: invalid records response: " + e.Reason
	}
	if e.Index < 0 {
		return fmt.Sprintf("facts: invalid records response: %s: %s", e.List, e.Reason)
	}
	return fmt.Sprintf("facts: invalid records response: %s[%d]: %s", e.List, e.Index, e.Reason)
}

func (e *RecordsValidationError) Unwrap() error { return e.Err }

var recordLists = []string{"conditions", "immunizations", "practitioners"}

// ParseRecordsResponse strictly decodes and validates a records response.
//
// Model output is often cut off at the token limit, leaving the final record
// of some list broken. When validation fails the last record of the suspect
// list is removed and the result validated once more. There is no second
// retry.
func ParseRecordsResponse(raw string) (RecordsResponse, error) {
	raw = stripFences(raw)
	resp, err := decodeRecords(raw)
	if err == nil {
		return resp, nil
	}
	trimmed, ok := trimSuspect(raw, err)
	if !ok {
		return RecordsResponse{}, err
	}
	resp, retryErr := decodeRecords(trimmed)
	if retryErr != nil {
		return RecordsResponse{}, errors.Join(err, retryErr)
	}
	return resp, nil
}

func decodeRecords(raw string) (RecordsResponse, error) {
	var resp RecordsResponse
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			list, index := locateField(typeErr.Field)
			return RecordsResponse{}, &RecordsValidationError{List: list, Index: index, Reason: err.Error(), Err: err}
		}
		return RecordsResponse{}, &RecordsValidationError{Reason: err.Error(), Err: err}
	}
	if err := resp.validate(); err != nil {
		return RecordsResponse{}, err
	}
	return resp, nil
}

func (r RecordsResponse) validate() error {
	if r.DocumentCategory != "" && !r.DocumentCategory.valid() {
		return &RecordsValidationError{Reason: fmt.Sprintf("unknown document_category %q", r.DocumentCategory)}
	}
	if r.DocumentDate != "" {
		if _, err := r.DocumentDate.Time(); err != nil {
			return &RecordsValidationError{Reason: "document_date: " + err.Error(), Err: err}
		}
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Name) == "" {
			return &RecordsValidationError{List: "conditions", Index: i, Reason: "name is empty"}
		}
		if c.Status != "" && !c.Status.valid() {
			return &RecordsValidationError{List: "conditions", Index: i, Reason: fmt.Sprintf("unknown status %q", c.Status)}
		}
		for _, d := range []Date{c.Onset, c.Abatement} {
			if d == "" {
				continue
			}
			if _, err := d.Time(); err != nil {
				return &RecordsValidationError{List: "conditions", Index: i, Reason: err.Error(), Err: err}
			}
		}
	}
	for i, im := range r.Immunizations {
		if strings.TrimSpace(im.Name) == "" {
			return &RecordsValidationError{List: "immunizations", Index: i, Reason: "name is empty"}
		}
		if im.Date != "" {
			if _, err := im.Date.Time(); err != nil {
				return &RecordsValidationError{List: "immunizations", Index: i, Reason: err.Error(), Err: err}
			}
		}
	}
	for i, p := range r.Practitioners {
		if strings.TrimSpace(p.Name) == "" {
			return &RecordsValidationError{List: "practitioners", Index: i, Reason: "name is empty"}
		}
	}
	return nil
}

// locateField maps a decoder field path such as "immunizations.date" to its
// list. The decoder does not report the element index, so -1 stands in for
// the last element.
func locateField(field string) (string, int) {
	head, _, _ := strings.Cut(field, ".")
	for _, l := range recordLists {
		if head == l {
			return l, -1
		}
	}
	return "", 0
}

// trimSuspect builds the single retry input. For a record that failed
// validation the last record of its list is removed; for output that is not
// even valid JSON the text is cut back to the last complete record.
func trimSuspect(raw string, err error) (string, bool) {
	var verr *RecordsValidationError
	if !errors.As(err, &verr) {
		return "", false
	}
	if verr.List != "" {
		return dropLastRecord(raw, verr.List)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return cutToLastRecord(raw)
	}
	return "", false
}

func dropLastRecord(raw, list string) (string, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(doc[list], &items); err != nil || len(items) == 0 {
		return "", false
	}
	b, err := json.Marshal(items[:len(items)-1])
	if err != nil {
		return "", false
	}
	doc[list] = b
	out, err := json.Marshal(doc)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// cutToLastRecord truncates raw just after the last object that closed
// directly inside an array, then closes every bracket still open at that
// point.
func cutToLastRecord(raw string) (string, bool) {
	var (
		stack    []byte
		inString bool
		escaped  bool
		cut      = -1
		cutStack []byte
	)
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if ch == '}' && len(stack) > 0 && stack[len(stack)-1] == '[' {
				cut = i + 1
				cutStack = append(cutStack[:0], stack...)
			}
		}
	}
	if cut < 0 {
		return "", false
	}
	var b strings.Builder
	b.WriteString(raw[:cut])
	for i := len(cutStack) - 1; i >= 0; i-- {
		if cutStack[i] == '[' {
			b.WriteByte(']')
		} else {
			b.WriteByte('}')
		}
	}
	return b.String(), true
}
