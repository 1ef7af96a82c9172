package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/clinicalfacts"
	"github.com/brunobiangulo/clinicalfacts/extract"
	"github.com/brunobiangulo/clinicalfacts/schema"
	"github.com/brunobiangulo/clinicalfacts/source"
	"github.com/brunobiangulo/clinicalfacts/store"
)

// extractor is the part of the engine the HTTP handlers use.
type extractor interface {
	Load(ctx context.Context, uri string) (clinicalfacts.Request, error)
	ExtractTriples(ctx context.Context, req clinicalfacts.Request) (*extract.Result, error)
	ExtractRecords(ctx context.Context, req clinicalfacts.Request) (*extract.RecordsResult, error)
	Document(ctx context.Context, id int64) (*store.Document, error)
	Identity() string
}

type handler struct {
	engine     extractor
	allowLocal bool
	maxBytes   int64
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve extraction over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			apiKey, _ := cmd.Flags().GetString("api-key")
			if apiKey == "" {
				apiKey = os.Getenv("CLINICALFACTS_API_KEY")
			}
			origins, _ := cmd.Flags().GetString("cors-origins")
			allowLocal, _ := cmd.Flags().GetBool("allow-local-paths")

			engine, err := clinicalfacts.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			maxBytes := cfg.Extraction.MaxBytes
			if maxBytes <= 0 {
				maxBytes = source.DefaultMaxBytes
			}
			h := &handler{engine: engine, allowLocal: allowLocal, maxBytes: maxBytes}
			srv := &http.Server{
				Addr:         addr,
				Handler:      h.routes(apiKey, origins),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0, // extraction of a long PDF outlives any fixed deadline
				IdleTimeout:  120 * time.Second,
			}

			ctx, cancel := signalContext()
			defer cancel()
			errc := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Str("model", engine.Identity()).Msg("server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			log.Info().Msg("shutting down server")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("server shutdown")
				return err
			}
			log.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().String("api-key", "", "Bearer token required on every route except /health (or CLINICALFACTS_API_KEY)")
	cmd.Flags().String("cors-origins", "", "Comma-separated browser origins allowed to call the API, or *; empty disables CORS")
	cmd.Flags().Bool("allow-local-paths", false, "Accept local file paths in JSON requests, not only s3:// URIs")
	return cmd
}

func (h *handler) routes(apiKey, origins string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /extract/triples", h.handleTriples)
	mux.HandleFunc("POST /extract/records", h.handleRecords)
	mux.HandleFunc("GET /documents/{id}", h.handleDocument)
	mux.HandleFunc("GET /schema", h.handleSchema)
	mux.HandleFunc("GET /health", h.handleHealth)

	// logging -> recovery -> cors -> auth -> mux
	var next http.Handler = mux
	next = authMiddleware(apiKey, next)
	next = corsMiddleware(origins, next)
	next = recoveryMiddleware(next)
	return logMiddleware(next)
}

// POST /extract/triples
func (h *handler) handleTriples(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	res, err := h.engine.ExtractTriples(r.Context(), req)
	if err != nil && res == nil {
		h.fail(w, "extract triples", err)
		return
	}
	// Unit failures leave a partial result worth returning.
	status := http.StatusOK
	if err != nil || (res != nil && len(res.Failures) > 0) {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, summarize(req.Name, h.engine.Identity(), res, err))
}

// POST /extract/records
func (h *handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	res, err := h.engine.ExtractRecords(r.Context(), req)
	if err != nil {
		h.fail(w, "extract records", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GET /documents/{id}
func (h *handler) handleDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := h.engine.Document(r.Context(), id)
	if err != nil {
		h.fail(w, "get document", err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// GET /schema
func (h *handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, schema.JSON())
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"model":  h.engine.Identity(),
	})
}

type sourceRequest struct {
	Source      string `json:"source"`
	PatientID   int64  `json:"patient_id,omitempty"`
	DocumentID  int64  `json:"document_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// request reads either a multipart upload (field "file") or a JSON body
// naming a source URI. It writes the error response itself when it fails.
func (h *handler) request(w http.ResponseWriter, r *http.Request) (clinicalfacts.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return h.uploadRequest(w, r)
	}

	var body sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'source'")
		return clinicalfacts.Request{}, false
	}
	if body.Source == "" {
		respondError(w, http.StatusBadRequest, "source is required")
		return clinicalfacts.Request{}, false
	}
	if !h.allowLocal && !strings.HasPrefix(body.Source, "s3://") {
		respondError(w, http.StatusBadRequest, "only s3:// sources are accepted")
		return clinicalfacts.Request{}, false
	}
	req, err := h.engine.Load(r.Context(), body.Source)
	if err != nil {
		h.fail(w, "load source", err)
		return clinicalfacts.Request{}, false
	}
	req.PatientID, req.DocumentID, req.Description = body.PatientID, body.DocumentID, body.Description
	return req, true
}

func (h *handler) uploadRequest(w http.ResponseWriter, r *http.Request) (clinicalfacts.Request, bool) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return clinicalfacts.Request{}, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return clinicalfacts.Request{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read file")
		return clinicalfacts.Request{}, false
	}
	if int64(len(data)) > h.maxBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "file too large")
		return clinicalfacts.Request{}, false
	}

	name := filepath.Base(header.Filename)
	req := clinicalfacts.Request{
		Name:        name,
		ContentType: source.DetectContentType(name, data),
		Data:        data,
		Description: r.FormValue("description"),
	}
	for field, dst := range map[string]*int64{"patient_id": &req.PatientID, "document_id": &req.DocumentID} {
		v := r.FormValue(field)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid "+field)
			return clinicalfacts.Request{}, false
		}
		*dst = n
	}
	return req, true
}

func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("request failed")
		respondError(w, status, op+" failed")
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, clinicalfacts.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, clinicalfacts.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, clinicalfacts.ErrEmptyDocument), errors.Is(err, clinicalfacts.ErrNoPatient):
		return http.StatusUnprocessableEntity
	case errors.Is(err, source.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, source.ErrUnsupportedScheme), errors.Is(err, source.ErrNoS3):
		return http.StatusBadRequest
	case errors.Is(err, clinicalfacts.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
