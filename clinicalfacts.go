// Package clinicalfacts extracts structured clinical facts from documents
// with a language model and stores them without duplicates.
package clinicalfacts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brunobiangulo/clinicalfacts/extract"
	"github.com/brunobiangulo/clinicalfacts/graphsink"
	"github.com/brunobiangulo/clinicalfacts/jobs"
	"github.com/brunobiangulo/clinicalfacts/llm"
	"github.com/brunobiangulo/clinicalfacts/lock"
	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/pgstore"
	"github.com/brunobiangulo/clinicalfacts/segment"
	"github.com/brunobiangulo/clinicalfacts/source"
	"github.com/brunobiangulo/clinicalfacts/store"
)

// repository is what the engine needs from a storage backend. Both the
// SQLite and PostgreSQL stores satisfy it.
type repository interface {
	extract.Sink
	CreateDocument(ctx context.Context, d store.Document) (int64, error)
	GetDocument(ctx context.Context, id int64) (*store.Document, error)
	SetDocumentPatient(ctx context.Context, documentID, patientID int64) (bool, error)
	Close() error
}

// Request is one document to extract from.
type Request struct {
	Name        string
	ContentType string
	Data        []byte

	// PatientID attributes facts to a known patient. Zero lets triple
	// extraction resolve the patient from the document itself.
	PatientID int64
	// DocumentID reuses an existing document row. Zero registers a new one.
	DocumentID  int64
	Description string
}

// Engine wires the segmenter, completion client, orchestrator and storage
// together. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	repo     repository
	orch     *extract.Orchestrator
	loader   *source.Loader
	provider llm.Provider
	closers  []func() error
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures New.
type Option func(*options)

type options struct {
	provider   llm.Provider
	rasterizer segment.Rasterizer
	fetcher    source.Fetcher
	locker     lock.Locker
	log        *zerolog.Logger
}

// WithProvider replaces the provider built from Config.LLM.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithRasterizer replaces the pdftoppm rasterizer.
func WithRasterizer(r segment.Rasterizer) Option {
	return func(o *options) { o.rasterizer = r }
}

// WithFetcher replaces the S3 client built from Config.S3.
func WithFetcher(f source.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithLocker replaces the locker built from Config.Redis.
func WithLocker(l lock.Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithLogger replaces the engine and orchestrator loggers.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// New creates an engine. Storage, Neo4j and Redis connections are opened
// here and released by Close.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := logger.NewLogger("engine")
	if o.log != nil {
		log = *o.log
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := &Engine{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			e.shutdown()
		}
	}()

	e.provider = o.provider
	if e.provider == nil {
		p, err := llm.NewProvider(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		e.provider = p
	}

	repo, err := openRepository(ctx, &cfg, o.log)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	e.repo = repo

	var sink extract.Sink = repo
	if cfg.Neo4j.URI != "" {
		g, err := graphsink.NewNeo4j(ctx, cfg.Neo4j)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() error { return g.Close(context.Background()) })
		g.EnsureSchema(ctx)
		sink = graphsink.NewMirror(repo, g)
	}

	locker := o.locker
	if locker == nil && cfg.Redis.Addr != "" {
		r := lock.NewRedis(cfg.Redis)
		e.closers = append(e.closers, r.Close)
		if err := r.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		locker = r
	}
	if locker == nil {
		locker = lock.NewLocal()
	}

	segOpts := []segment.Option{}
	if cfg.Extraction.PDFMode != "" {
		segOpts = append(segOpts, segment.WithPDFMode(segment.PDFMode(cfg.Extraction.PDFMode)))
	}
	rasterizer := o.rasterizer
	if rasterizer == nil {
		rasterizer = &segment.Poppler{Path: cfg.Extraction.PdftoppmBin, DPI: cfg.Extraction.DPI}
	}
	segOpts = append(segOpts, segment.WithRasterizer(rasterizer))

	fetcher := o.fetcher
	if fetcher == nil && (cfg.S3.Region != "" || cfg.S3.Endpoint != "") {
		s3c, err := source.NewS3(cfg.S3)
		if err != nil {
			return nil, err
		}
		fetcher = s3c
	}
	loaderOpts := []source.Option{source.WithMaxBytes(cfg.Extraction.MaxBytes)}
	if fetcher != nil {
		loaderOpts = append(loaderOpts, source.WithS3(fetcher))
	}
	e.loader = source.New(loaderOpts...)

	orchOpts := []extract.Option{
		extract.WithConcurrency(cfg.Extraction.Concurrency),
		extract.WithUnitTimeout(cfg.Extraction.UnitTimeout),
		extract.WithLocker(locker),
		extract.WithStructuredOutput(cfg.Extraction.JSONSchema),
	}
	if o.log != nil {
		orchOpts = append(orchOpts, extract.WithLogger(*o.log))
	}
	e.orch = extract.New(e.provider, segment.New(segOpts...), sink, orchOpts...)

	ok = true
	log.Info().
		Str("llm", e.provider.Identity()).
		Str("storage", cfg.Storage.Driver).
		Bool("neo4j", cfg.Neo4j.URI != "").
		Bool("redis", cfg.Redis.Addr != "").
		Msg("engine ready")
	return e, nil
}

func openRepository(ctx context.Context, cfg *Config, log *zerolog.Logger) (repository, error) {
	if cfg.Storage.Driver == DriverPostgres {
		s, err := pgstore.New(ctx, pgstore.Config{URL: cfg.Storage.PostgresURL, MaxConns: cfg.Storage.MaxConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	var opts []store.Option
	if log != nil {
		opts = append(opts, store.WithLogger(*log))
	}
	s, err := store.New(cfg.sqlitePath(), opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads a document from a local path or s3:// URI.
func (e *Engine) Load(ctx context.Context, uri string) (Request, error) {
	doc, err := e.loader.Load(ctx, uri)
	if err != nil {
		return Request{}, err
	}
	return Request{Name: doc.Name, ContentType: doc.ContentType, Data: doc.Data}, nil
}

// ExtractTriples runs per-unit fact extraction and persists the valid facts.
// A document without a patient is attributed to the one the facts resolve.
// Unit failures are reported in the result; see extract.Orchestrator.
func (e *Engine) ExtractTriples(ctx context.Context, req Request) (*extract.Result, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()

	docID, err := e.document(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := e.orch.ExtractTriples(ctx, extract.Input{
		DocumentID:  docID,
		PatientID:   req.PatientID,
		ContentType: req.ContentType,
		Data:        req.Data,
		Description: req.Description,
	})
	if res != nil && res.PatientID != 0 {
		if _, aerr := e.repo.SetDocumentPatient(ctx, docID, res.PatientID); aerr != nil {
			e.log.Warn().Err(aerr).Int64("document_id", docID).Int64("patient_id", res.PatientID).Msg("attributing document")
		}
	}
	return res, classify(err)
}

// ExtractRecords runs whole-document records extraction. The document must
// belong to a patient: either req.DocumentID names one that does or
// req.PatientID is set.
func (e *Engine) ExtractRecords(ctx context.Context, req Request) (*extract.RecordsResult, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()

	if req.DocumentID == 0 && req.PatientID == 0 {
		return nil, ErrNoPatient
	}
	docID, err := e.document(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := e.orch.ExtractRecords(ctx, extract.Input{
		DocumentID:  docID,
		PatientID:   req.PatientID,
		ContentType: req.ContentType,
		Data:        req.Data,
		Description: req.Description,
	})
	return res, classify(err)
}

// Document returns a stored document.
func (e *Engine) Document(ctx context.Context, id int64) (*store.Document, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	return e.repo.GetDocument(ctx, id)
}

// RunJob loads and extracts the document a queued job names. A triples job
// with failed units returns an error so that the broker retries it; facts
// already written are skipped on the second pass.
func (e *Engine) RunJob(ctx context.Context, job jobs.Job) error {
	req, err := e.Load(ctx, job.Source)
	if err != nil {
		if errors.Is(err, source.ErrUnsupportedScheme) || errors.Is(err, source.ErrTooLarge) || errors.Is(err, source.ErrNoS3) {
			return fmt.Errorf("%w: %v", jobs.ErrInvalidJob, err)
		}
		return err
	}
	req.DocumentID, req.PatientID, req.Description = job.DocumentID, job.PatientID, job.Description

	switch job.Kind {
	case jobs.KindRecords:
		_, err = e.ExtractRecords(ctx, req)
	default:
		var res *extract.Result
		res, err = e.ExtractTriples(ctx, req)
		if err == nil && len(res.Failures) > 0 {
			err = fmt.Errorf("%d of %d units failed: %w", len(res.Failures), res.Units, errors.Join(res.Failures...))
		}
	}
	if errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrEmptyDocument) ||
		errors.Is(err, ErrNoPatient) || errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", jobs.ErrInvalidJob, err)
	}
	return err
}

// Identity is the completion client's provider/model string.
func (e *Engine) Identity() string { return e.provider.Identity() }

// Close releases every connection. Calls after the first return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	return e.shutdown()
}

func (e *Engine) shutdown() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	if e.repo != nil {
		errs = append(errs, e.repo.Close())
	}
	return errors.Join(errs...)
}

// acquire read-locks the engine. Callers release with e.mu.RUnlock.
func (e *Engine) acquire() error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (e *Engine) document(ctx context.Context, req Request) (int64, error) {
	if req.DocumentID != 0 {
		doc, err := e.repo.GetDocument(ctx, req.DocumentID)
		if err != nil {
			return 0, err
		}
		if doc.PatientID == 0 && req.PatientID != 0 {
			if _, err := e.repo.SetDocumentPatient(ctx, req.DocumentID, req.PatientID); err != nil {
				return 0, err
			}
		}
		return req.DocumentID, nil
	}
	name := req.Name
	if name == "" {
		name = "untitled"
	}
	return e.repo.CreateDocument(ctx, store.Document{PatientID: req.PatientID, Name: name, ContentType: req.ContentType})
}

// classify adds the package sentinels to segmentation errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, segment.ErrUnsupported):
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	case errors.Is(err, segment.ErrEmpty):
		return fmt.Errorf("%w: %w", ErrEmptyDocument, err)
	}
	return err
}
