package prompt

import (
	"strings"
	"testing"

	"github.com/brunobiangulo/clinicalfacts/schema"
)

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("Jane has a fever and a cough.", "")

	mustContain := []string{
		"exactly one date value",
		"under the **No** column",
		"past_history",
		`Do NOT use a single "name" field for Patient`,
		"should be captured as 4 distinct triples",
		schema.JSON(),
		`"normalized_predicate"`,
		"Text to analyze:\nJane has a fever and a cough.\n",
	}
	for _, s := range mustContain {
		if !strings.Contains(p, s) {
			t.Errorf("prompt missing %q", s)
		}
	}
	if strings.Contains(p, "was described as") {
		t.Error("description block rendered without a description")
	}
	if !strings.HasSuffix(p, "Jane has a fever and a cough.\n") {
		t.Error("input text should close the prompt")
	}
}

func TestBuildPromptDescription(t *testing.T) {
	p := BuildPrompt("text", "a discharge summary")
	i := strings.Index(p, "The text to analyze was described as: a discharge summary")
	j := strings.Index(p, "Text to analyze:")
	if i < 0 || j < 0 || i > j {
		t.Errorf("description must precede the input text (desc=%d, text=%d)", i, j)
	}
}

func TestBuildPromptEmptyInput(t *testing.T) {
	p := BuildPrompt("", "")
	if !strings.HasSuffix(p, "Text to analyze:\n\n") {
		t.Errorf("empty input should leave an empty body, got tail %q", p[len(p)-30:])
	}
}

func TestBuildPagePrompt(t *testing.T) {
	p := BuildPagePrompt(3)
	if !strings.Contains(p, "This is page 3 of a scanned clinical document.") {
		t.Error("page description missing")
	}
	if !strings.Contains(p, ImagePlaceholder) {
		t.Error("image placeholder missing")
	}
}

func TestBuildRecordsPrompt(t *testing.T) {
	p := BuildRecordsPrompt("Tdap given 2024-05-01")
	if !strings.HasPrefix(p, "<document>\nTdap given 2024-05-01\n</document>") {
		t.Errorf("document block missing: %q", p[:40])
	}
	for _, s := range []string{RecordsInstruction, `"health_visits"`, `"remission"`, `"practitioners"`} {
		if !strings.Contains(p, s) {
			t.Errorf("records prompt missing %q", s)
		}
	}
	if strings.Contains(BuildRecordsPrompt(""), "<document>") {
		t.Error("image documents should not get a text block")
	}
}
