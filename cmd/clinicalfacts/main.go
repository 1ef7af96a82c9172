package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/clinicalfacts"
	"github.com/brunobiangulo/clinicalfacts/extract"
	"github.com/brunobiangulo/clinicalfacts/jobs"
	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/schema"
	"github.com/brunobiangulo/clinicalfacts/segment"
)

var log = logger.NewLogger("cli")

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clinicalfacts",
		Short:         "Extract clinical facts from documents with a language model",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "Path to a YAML config file")
	root.PersistentFlags().Int("max-retries", 0, "Retry 429 and 5xx completion responses this many times (overrides llm.max_retries)")

	root.AddCommand(extractCmd("text", "Extract triples from a text document", segment.TypeText))
	root.AddCommand(extractCmd("pdf", "Extract triples from a PDF, one unit per page", segment.TypePDF))
	root.AddCommand(recordsCmd())
	root.AddCommand(schemaCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(enqueueCmd())
	root.AddCommand(serveCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (clinicalfacts.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := clinicalfacts.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("max-retries") {
		cfg.LLM.MaxRetries, _ = cmd.Flags().GetInt("max-retries")
		return cfg, cfg.Validate()
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func addDocumentFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("patient-id", 0, "Attribute facts to an existing patient")
	cmd.Flags().Int64("document-id", 0, "Reuse an existing document row")
	cmd.Flags().String("description", "", "Context shown to the model alongside the text")
}

// openRequest loads the document named by the first argument and applies the
// shared document flags.
func openRequest(ctx context.Context, cmd *cobra.Command, engine *clinicalfacts.Engine, uri, forceType string) (clinicalfacts.Request, error) {
	req, err := engine.Load(ctx, uri)
	if err != nil {
		return req, err
	}
	if forceType != "" {
		req.ContentType = forceType
	}
	req.PatientID, _ = cmd.Flags().GetInt64("patient-id")
	req.DocumentID, _ = cmd.Flags().GetInt64("document-id")
	req.Description, _ = cmd.Flags().GetString("description")
	return req, nil
}

type triplesSummary struct {
	Document  string   `json:"document"`
	Model     string   `json:"model"`
	PatientID int64    `json:"patient_id,omitempty"`
	Units     int      `json:"units"`
	Triples   int      `json:"triples"`
	Written   int      `json:"written"`
	Skipped   int      `json:"skipped"`
	Dropped   int      `json:"dropped"`
	Failures  []string `json:"failures,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func summarize(name, model string, res *extract.Result, err error) triplesSummary {
	s := triplesSummary{Document: name, Model: model}
	if res != nil {
		s.PatientID, s.Units, s.Triples = res.PatientID, res.Units, len(res.Triples)
		s.Written, s.Skipped, s.Dropped = res.Written, res.Skipped, res.Dropped
		for _, f := range res.Failures {
			s.Failures = append(s.Failures, f.Error())
		}
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func extractCmd(use, short, contentType string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " FILE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if contentType == segment.TypePDF {
				if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
					cfg.Extraction.PDFMode = mode
				}
				if dpi, _ := cmd.Flags().GetInt("dpi"); dpi > 0 {
					cfg.Extraction.DPI = dpi
				}
			}
			engine, err := clinicalfacts.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, cancel := signalContext()
			defer cancel()
			req, err := openRequest(ctx, cmd, engine, args[0], contentType)
			if err != nil {
				return err
			}
			res, err := engine.ExtractTriples(ctx, req)
			if werr := writeJSON(cmd.OutOrStdout(), summarize(req.Name, engine.Identity(), res, err)); werr != nil {
				return werr
			}
			return err
		},
	}
	addDocumentFlags(cmd)
	if contentType == segment.TypePDF {
		cmd.Flags().String("mode", "", "PDF handling: image (rasterize pages) or text (native text layer)")
		cmd.Flags().Int("dpi", 0, "Rasterization resolution for image mode")
	}
	return cmd
}

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records FILE",
		Short: "Extract conditions, immunizations and practitioners from a whole document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			engine, err := clinicalfacts.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, cancel := signalContext()
			defer cancel()
			req, err := openRequest(ctx, cmd, engine, args[0], "")
			if err != nil {
				return err
			}
			res, err := engine.ExtractRecords(ctx, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	addDocumentFlags(cmd)
	return cmd
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the clinical schema shown to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), schema.JSON())
			return err
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume extraction jobs from AMQP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			engine, err := clinicalfacts.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			client, err := jobs.Dial(cfg.AMQP)
			if err != nil {
				return err
			}
			defer client.Close()
			deliveries, err := client.Consume()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			go func() {
				if amqpErr, ok := <-client.Errors; ok && amqpErr != nil {
					log.Error().Err(amqpErr).Msg("amqp channel closed")
					cancel()
				}
			}()

			log.Info().Int("prefetch", client.Prefetch()).Msg("worker started")
			err = jobs.NewWorker(engine, client.Prefetch()).Run(ctx, deliveries)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue SOURCE",
		Short: "Publish an extraction job for a local path or s3:// URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			kind, _ := cmd.Flags().GetString("kind")
			job := jobs.Job{Kind: jobs.Kind(kind), Source: args[0]}
			job.PatientID, _ = cmd.Flags().GetInt64("patient-id")
			job.DocumentID, _ = cmd.Flags().GetInt64("document-id")
			job.Description, _ = cmd.Flags().GetString("description")

			client, err := jobs.Dial(cfg.AMQP)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Publish(job); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().String("kind", string(jobs.KindTriples), "Job kind: triples or records")
	addDocumentFlags(cmd)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
