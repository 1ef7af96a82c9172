// Package extract drives fact extraction over a document: segment it, ask the
// completion client about each unit in parallel, validate what comes back and
// hand the survivors to persistence.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/clinicalfacts/facts"
	"github.com/brunobiangulo/clinicalfacts/llm"
	"github.com/brunobiangulo/clinicalfacts/lock"
	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/prompt"
	"github.com/brunobiangulo/clinicalfacts/schema"
	"github.com/brunobiangulo/clinicalfacts/segment"
)

const (
	defaultConcurrency = 4
	defaultUnitTimeout = 120 * time.Second
)

// Segmenter splits raw document bytes into units.
type Segmenter interface {
	Segment(ctx context.Context, contentType string, data []byte) (*segment.Units, error)
}

// Sink is the deduplicating persistence layer.
type Sink interface {
	// PersistTriples writes one unit's facts atomically. patientID 0 asks the
	// sink to resolve the patient from the facts. It returns the patient ID
	// and the number of new facts.
	PersistTriples(ctx context.Context, patientID int64, triples []facts.Triple, audit facts.Audit) (int64, int, error)

	// PersistRecords writes whole-document records and document metadata
	// atomically.
	PersistRecords(ctx context.Context, documentID int64, resp facts.RecordsResponse, audit facts.Audit) (facts.CreatedCounts, error)
}

// Input is one document to extract from.
type Input struct {
	DocumentID  int64
	PatientID   int64
	ContentType string
	Data        []byte
	// Description is optional context shown to the model alongside text.
	Description string
}

// Result accumulates the outcome of a triple extraction.
type Result struct {
	PatientID int64          `json:"patient_id,omitempty"`
	Triples   []facts.Triple `json:"triples"`
	Units     int            `json:"units"`
	Written   int            `json:"written"`
	Skipped   int            `json:"skipped"`
	Dropped   int            `json:"dropped"`
	Failures  []error        `json:"-"`
}

// RecordsResult is the outcome of a whole-document records extraction.
type RecordsResult struct {
	RunID   string                `json:"run_id"`
	Records facts.RecordsResponse `json:"records"`
	Created facts.CreatedCounts   `json:"created"`
}

// Orchestrator runs extractions. It is safe for concurrent use.
type Orchestrator struct {
	provider    llm.Provider
	segmenter   Segmenter
	sink        Sink
	locker      lock.Locker
	validator   *facts.Validator
	log         zerolog.Logger
	concurrency int
	unitTimeout time.Duration
	structured  bool
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds how many units are in flight at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithUnitTimeout bounds each completion call.
func WithUnitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.unitTimeout = d
		}
	}
}

// WithLocker sets the locker guarding document metadata writes.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
		o.validator = facts.NewValidator(l)
	}
}

// WithStructuredOutput requests a JSON Schema constrained response instead
// of relying on the prompt alone. Not every provider supports it.
func WithStructuredOutput(on bool) Option {
	return func(o *Orchestrator) { o.structured = on }
}

// WithClock overrides the provenance timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. sink may be nil, in which case facts are
// validated and returned but not stored.
func New(provider llm.Provider, segmenter Segmenter, sink Sink, opts ...Option) *Orchestrator {
	log := logger.NewLogger("extract")
	o := &Orchestrator{
		provider:    provider,
		segmenter:   segmenter,
		sink:        sink,
		locker:      lock.NewLocal(),
		validator:   facts.NewValidator(log),
		log:         log,
		concurrency: defaultConcurrency,
		unitTimeout: defaultUnitTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type unitResult struct {
	page      int
	triples   []facts.Triple
	patientID int64
	written   int
	dropped   int
	err       error

	// deferred units hold facts that name no patient and were extracted
	// before any unit resolved one. They are persisted after the others.
	deferred bool
}

// ExtractTriples extracts facts from every unit of the document. The first
// patient a unit resolves is the document's patient for every later unit, so
// pages that never name the patient still attach to them. Unit failures are
// counted in the result, not returned. The returned error is a
// SegmentationFailure, or the context error when the run was cancelled; in
// the latter case the result holds whatever completed.
func (o *Orchestrator) ExtractTriples(ctx context.Context, in Input) (*Result, error) {
	units, err := o.segmenter.Segment(ctx, in.ContentType, in.Data)
	if err != nil {
		return nil, &SegmentationFailure{DocumentID: in.DocumentID, Err: err}
	}

	log := o.log.With().Int64("document_id", in.DocumentID).Logger()
	log.Info().Int("units", units.Len()).Int("concurrency", o.concurrency).Msg("extracting triples")
	start := time.Now()

	var patient atomic.Int64
	patient.Store(in.PatientID)

	res := &Result{PatientID: in.PatientID}
	collect := func(r unitResult) {
		res.Units++
		res.Dropped += r.dropped
		if r.err != nil {
			res.Skipped++
			res.Failures = append(res.Failures, r.err)
			return
		}
		res.Written += r.written
		res.Triples = append(res.Triples, r.triples...)
		if res.PatientID == 0 {
			res.PatientID = r.patientID
		}
	}

	var deferred []unitResult
	results := make(chan unitResult)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range results {
			if r.deferred {
				deferred = append(deferred, r)
				continue
			}
			collect(r)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for unit := range units.All() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Go may block for a free slot; a unit admitted after
			// cancellation is never started.
			if gctx.Err() != nil {
				return nil
			}
			r := o.runUnit(gctx, in, unit, &patient)
			if r.err != nil {
				log.Warn().Int("page", r.page).Err(r.err).Msg("unit failed")
			}
			results <- r
			return nil
		})
	}
	g.Wait()
	close(results)
	<-done

	for _, r := range deferred {
		r = o.persistUnit(ctx, in, r, patient.Load())
		if r.err != nil {
			log.Warn().Int("page", r.page).Err(r.err).Msg("unit failed")
		}
		collect(r)
	}

	sort.SliceStable(res.Triples, func(i, j int) bool {
		return res.Triples[i].Provenance.Page < res.Triples[j].Provenance.Page
	})

	log.Info().
		Int("units", res.Units).
		Int("triples", len(res.Triples)).
		Int("written", res.Written).
		Int("skipped", res.Skipped).
		Int("dropped", res.Dropped).
		Dur("elapsed", time.Since(start).Round(time.Millisecond)).
		Msg("extraction finished")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) runUnit(ctx context.Context, in Input, unit segment.Unit, patient *atomic.Int64) unitResult {
	r := unitResult{page: unit.Index}
	fail := func(err error) unitResult {
		r.err = &UnitExtractionFailure{DocumentID: in.DocumentID, Page: unit.Index, Err: err}
		return r
	}
	if unit.Err != nil {
		return fail(unit.Err)
	}

	raw, err := o.completeUnit(ctx, in, unit)
	if err != nil {
		return fail(err)
	}
	candidates, err := facts.ParseTriples(raw)
	if err != nil {
		return fail(err)
	}

	kept, drops := o.validator.Filter(candidates)
	r.dropped = len(drops)

	source := facts.SourceText
	if unit.Index > 0 {
		source = facts.SourceDocument
	}
	prov := facts.Provenance{
		Page:        unit.Index,
		ExtractedAt: o.now().UTC(),
		ExtractedBy: o.provider.Identity(),
		SourceType:  source,
	}
	for i := range kept {
		kept[i] = kept[i].WithProvenance(prov)
	}

	r.triples = kept
	if o.sink == nil {
		return r
	}
	pid := patient.Load()
	if pid == 0 && len(kept) > 0 && !namesPatient(kept) {
		r.deferred = true
		return r
	}
	r = o.persistUnit(ctx, in, r, pid)
	if r.err == nil && r.patientID != 0 {
		patient.CompareAndSwap(0, r.patientID)
	}
	return r
}

// persistUnit writes a unit's facts for patientID, or for the patient the
// facts name when patientID is 0.
func (o *Orchestrator) persistUnit(ctx context.Context, in Input, r unitResult, patientID int64) unitResult {
	r.deferred = false
	audit := facts.Audit{RunID: uuid.NewString(), Model: o.provider.Identity(), DocumentID: in.DocumentID}
	pid, written, err := o.sink.PersistTriples(ctx, patientID, r.triples, audit)
	if err != nil {
		r.err = &PersistenceFailure{DocumentID: in.DocumentID, Page: r.page, Err: err}
		r.triples = nil
		return r
	}
	r.patientID, r.written = pid, written
	return r
}

func namesPatient(triples []facts.Triple) bool {
	for _, t := range triples {
		if t.Subject.EntityType == schema.Patient {
			return true
		}
	}
	return false
}

// completeUnit sends one unit to the model under the per-unit timeout.
func (o *Orchestrator) completeUnit(ctx context.Context, in Input, unit segment.Unit) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.unitTimeout)
	defer cancel()

	var format *llm.ResponseFormat
	if o.structured {
		format = llm.JSONSchemaFormat("clinical_triples", facts.TriplesJSONSchema())
	}

	var resp *llm.ChatResponse
	var err error
	if unit.IsImage() {
		resp, err = o.provider.ChatWithImages(ctx, llm.VisionChatRequest{
			Messages: []llm.VisionMessage{{
				Role: "user",
				Content: []llm.ContentPart{
					llm.TextPart(prompt.BuildPagePrompt(unit.Index)),
					llm.ImagePart(unit.MIMEType, unit.Image),
				},
			}},
			ResponseFormat: format,
		})
	} else {
		if strings.TrimSpace(unit.Text) == "" {
			return "", segment.ErrEmpty
		}
		resp, err = o.provider.Chat(ctx, llm.ChatRequest{
			Messages:       []llm.Message{{Role: "user", Content: prompt.BuildPrompt(unit.Text, in.Description)}},
			ResponseFormat: format,
		})
	}
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ExtractRecords runs a single whole-document records extraction and
// persists the result. Any failure is returned; there is no partial result.
func (o *Orchestrator) ExtractRecords(ctx context.Context, in Input) (*RecordsResult, error) {
	units, err := o.segmenter.Segment(ctx, in.ContentType, in.Data)
	if err != nil {
		return nil, &SegmentationFailure{DocumentID: in.DocumentID, Err: err}
	}
	fail := func(err error) (*RecordsResult, error) {
		o.log.Error().Int64("document_id", in.DocumentID).Err(err).Msg("records extraction failed")
		return nil, &RecordsExtractionFailure{DocumentID: in.DocumentID, Err: err}
	}

	var texts []string
	var images []llm.ContentPart
	for unit := range units.All() {
		if unit.Err != nil {
			return fail(fmt.Errorf("page %d: %w", unit.Index, unit.Err))
		}
		if unit.IsImage() {
			images = append(images, llm.ImagePart(unit.MIMEType, unit.Image))
		} else {
			texts = append(texts, unit.Text)
		}
	}

	format := llm.JSONObject()
	if o.structured {
		format = llm.JSONSchemaFormat("clinical_records", facts.RecordsJSONSchema())
	}

	callCtx, cancel := context.WithTimeout(ctx, o.unitTimeout)
	defer cancel()

	var resp *llm.ChatResponse
	if len(images) > 0 {
		content := append(images, llm.TextPart(prompt.BuildRecordsPrompt(strings.Join(texts, "\n\n"))))
		resp, err = o.provider.ChatWithImages(callCtx, llm.VisionChatRequest{
			Messages: []llm.VisionMessage{
				{Role: "system", Content: []llm.ContentPart{llm.TextPart(prompt.RecordsSystem)}},
				{Role: "user", Content: content},
			},
			ResponseFormat: format,
		})
	} else {
		resp, err = o.provider.Chat(callCtx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: prompt.RecordsSystem},
				{Role: "user", Content: prompt.BuildRecordsPrompt(strings.Join(texts, "\n\n"))},
			},
			ResponseFormat: format,
		})
	}
	if err != nil {
		return fail(err)
	}

	records, err := facts.ParseRecordsResponse(resp.Content)
	if err != nil {
		return fail(err)
	}

	out := &RecordsResult{RunID: uuid.NewString(), Records: records}
	if o.sink == nil {
		return out, nil
	}

	release, err := o.locker.Lock(ctx, lock.DocumentKey(in.DocumentID))
	if err != nil {
		return fail(&PersistenceFailure{DocumentID: in.DocumentID, Err: err})
	}
	defer release()

	audit := facts.Audit{RunID: out.RunID, Model: o.provider.Identity(), DocumentID: in.DocumentID}
	out.Created, err = o.sink.PersistRecords(ctx, in.DocumentID, records, audit)
	if err != nil {
		return fail(&PersistenceFailure{DocumentID: in.DocumentID, Err: err})
	}

	o.log.Info().
		Int64("document_id", in.DocumentID).
		Str("run_id", out.RunID).
		Int("records", records.Len()).
		Int("created", out.Created.Total()).
		Msg("records extracted")
	return out, nil
}

// Failed reports whether err is a unit-level failure that left other units
// intact.
func Failed(err error) bool {
	var re *RecordsExtractionFailure
	if errors.As(err, &re) {
		return false
	}
	var ue *UnitExtractionFailure
	var pe *PersistenceFailure
	return errors.As(err, &ue) || errors.As(err, &pe)
}
