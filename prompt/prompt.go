// Package prompt renders the completion requests sent to the model.
package prompt

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/clinicalfacts/facts"
	"github.com/brunobiangulo/clinicalfacts/schema"
)

// Page-image units have no text of their own; the image travels alongside
// the prompt.
const (
	ImagePlaceholder = "[See attached image of clinical document page]"
	pageDescription  = "This is page %d of a scanned clinical document."
)

// PageDescription describes a scanned page to the model.
func PageDescription(page int) string {
	return fmt.Sprintf(pageDescription, page)
}

const fence = "```"

const header = `
You are extracting structured (subject, predicate, object) triples from clinical text to create a knowledge graph.

You must structure your output according to the schema below:

 For each triple:
- Subjects and objects must be valid node types and predicates must be valid predicates.
- The relationship between ` + "`subject`, `object`, and `predicate`" + ` must be one of the allowed patterns in the schema.
- If a sentence contains multiple facts (e.g., a symptom and its cause), extract multiple triples.

Attempt to capture all clinically relevant data.

Rules for parsing:
- For observations (vital signs, tests, etc.) with multiple measurements over time, capture each recorded value as its
own (triple) to ensure we are capturing every Observation in the text.
  - for example:
      ` + fence + `
        His weight has been monitored due to steroid use:
        - July 2018: 175 lbs
        - August 2019: 183 lbs
        - May 2021: 179 lbs
        - May 2025: 171 lbs
      ` + fence + `
    should be captured as 4 distinct triples

- No need to extract data verbatim, try to use the most clinically valuable wording.
- Each triple must have **exactly one date value**. Do **not** group or merge dates into arrays or sets. If a fact is
observed at multiple times, **extract a separate triple for each occurrence**, each with its own object and date.
- For condition or symptom checklists or tables:
    - If a row has a checkmark or 'X' under the **No** column, the patient does **not** have that condition.
    - If the **Yes** column is checked, the patient **does** have the condition.
    - If neither is marked, skip the row.

- If the clinical fact is negated, hypothetical, or mentioned as past history, include a traits object with keys like
negation, hypothetical, or past_history, each set to true. Omit keys that are not relevant.

- If present in the text, include patient demographics on the Patient subject node:
    first_name, last_name, date_of_birth (YYYY-MM-DD), phn, email.
    Do NOT use a single "name" field for Patient. Use "first_name" and "last_name"; when the text gives only one
    of them (for example "Jane has a fever"), set that one and omit the other.

Ensure the generated triples are valid according to the schema.

---

### Schema
`

const outputShape = `
---

Return a JSON array like:
[
{
    "subject": {"entityType": "Patient", "node": {...}},
    "predicate": "raw text",
    "normalized_predicate": {"predicateType": "CANONICAL_PREDICATE", "properties": {...}, "traits": {...}},
    "object": {"entityType": "Condition", "node": {...}},
},
...
]

Make sure you adhere to the following rules to produce valid JSON objects:
- Do not return any additional information other than the JSON in it.
- Omit any backticks around the JSON - simply output the JSON on its own.
- Property names must be enclosed in double quotes
`

// BuildPrompt renders the triple extraction prompt for inputText. The schema
// registry is embedded verbatim. An empty inputText yields a prompt with an
// empty body; callers guard against empty input.
func BuildPrompt(inputText, inputDescription string) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString(schema.JSON())
	b.WriteString("\n")
	b.WriteString(outputShape)
	if inputDescription != "" {
		b.WriteString("\n\nThe text to analyze was described as: ")
		b.WriteString(inputDescription)
		b.WriteString("\n\n")
	}
	b.WriteString("\nText to analyze:\n")
	b.WriteString(inputText)
	b.WriteString("\n")
	return b.String()
}

// BuildPagePrompt is BuildPrompt for a scanned page sent as an image.
func BuildPagePrompt(page int) string {
	return BuildPrompt(ImagePlaceholder, PageDescription(page))
}

// Records extraction messages.
const (
	RecordsSystem      = "You are a helpful assistant that extracts medical records from clinical documents."
	RecordsInstruction = "Extract medical records from the above clinical document."
)

// BuildRecordsPrompt renders the user message for whole-document record
// extraction. documentText is empty when the document travels as images.
func BuildRecordsPrompt(documentText string) string {
	var b strings.Builder
	if documentText != "" {
		b.WriteString("<document>\n")
		b.WriteString(documentText)
		b.WriteString("\n</document>\n\n")
	}
	b.WriteString(RecordsInstruction)
	b.WriteString("\n\nReturn a JSON object with these keys:\n")
	b.WriteString(`- "document_category": one of ` + quoteList(facts.Categories()) + "\n")
	b.WriteString(`- "document_date": the date of the document as YYYY-MM-DD, if stated` + "\n")
	b.WriteString(`- "conditions": [{"name", "status" (one of ` + quoteList(facts.Statuses()) + `), "onset", "abatement"}]` + "\n")
	b.WriteString(`- "immunizations": [{"name", "date"}]` + "\n")
	b.WriteString(`- "practitioners": [{"name"}]` + "\n")
	b.WriteString("Dates use YYYY-MM-DD. Omit unknown optional fields. Use empty lists when nothing is found.\n")
	return b.String()
}

func quoteList[T ~string](items []T) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = `"` + string(s) + `"`
	}
	return strings.Join(q, ", ")
}
