// Package pipeline runs one uploaded file through cleaning, reporting and
// delivery for a holder.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"keygate/internal/delivery"
	"keygate/internal/logger"
	"keygate/internal/metrics"
	"keygate/internal/models"
	"keygate/internal/records"
	"keygate/internal/report"
	"keygate/internal/validation"
)

var (
	ErrUnsupportedUpload = errors.New("only .txt files are accepted")
	ErrFilenameRejected  = errors.New("file name does not match any keyword")
)

// RunDirPrefix names the per-run temp directories under the work dir.
const RunDirPrefix = "keygate-run-"

// Run outcomes as recorded in metrics.
const (
	OutcomeOK               = "ok"
	OutcomeUnsupported      = "unsupported"
	OutcomeFilenameRejected = "filename_rejected"
	OutcomeBelowThreshold   = "below_threshold"
	OutcomeTemplateError    = "template_error"
	OutcomeError            = "error"
)

// Upload is a file submitted by a holder.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Outcome is the result of a successful run.
type Outcome struct {
	Count      int
	Domains    []records.DomainCount // top domains, ranked
	Message    string
	Display    bool
	Artifact   []byte
	OutputName string
	// Delivery is nil when no webhook is configured.
	Delivery *delivery.Result
}

// Sender dispatches a delivery in the background.
type Sender interface {
	Dispatch(ctx context.Context, d delivery.Delivery) <-chan delivery.Result
}

// Pipeline composes the cleaner, renderer and sender.
type Pipeline struct {
	workDir string
	cleaner *records.Cleaner
	sender  Sender
	log     logger.Logger
}

// New creates a pipeline that stages files under workDir. An empty workDir
// uses the system temp directory.
func New(workDir string, cleaner *records.Cleaner, sender Sender, log logger.Logger) *Pipeline {
	if cleaner == nil {
		cleaner = records.NewCleaner()
	}
	return &Pipeline{workDir: workDir, cleaner: cleaner, sender: sender, log: log}
}

// Run processes one upload with the holder's preferences. Filename checks
// happen before anything touches disk. Every file the run creates is
// removed before Run returns, on success, failure or panic.
func (p *Pipeline) Run(ctx context.Context, up Upload, prefs *models.Preferences) (*Outcome, error) {
	out, err := p.run(ctx, up, prefs)
	metrics.RecordRun(outcomeLabel(err), countOf(out))
	return out, err
}

func (p *Pipeline) run(ctx context.Context, up Upload, prefs *models.Preferences) (*Outcome, error) {
	name := filepath.Base(up.Filename)
	if !validation.IsTextFilename(name) {
		return nil, ErrUnsupportedUpload
	}
	if !validation.MatchesKeyword(name, prefs.Keywords) {
		return nil, ErrFilenameRejected
	}

	if p.workDir != "" {
		if err := os.MkdirAll(p.workDir, 0o700); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	runDir, err := os.MkdirTemp(p.workDir, RunDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(runDir); err != nil {
			p.log.Error("Failed to remove run dir", logger.String("dir", runDir), logger.Error(err))
		}
	}()

	result, err := p.clean(ctx, runDir, up.Body)
	if err != nil {
		return nil, err
	}
	if err := result.CheckThreshold(prefs.MinRecordCount); err != nil {
		return nil, err
	}

	artifact, err := writeArtifact(filepath.Join(runDir, prefs.OutputName), result)
	if err != nil {
		return nil, err
	}

	top := report.TopDomains(result.Domains, report.TopN)
	message, err := report.Render(prefs.MessageTemplate, result.Count(), top)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	out := &Outcome{
		Count:      result.Count(),
		Domains:    top,
		Message:    message,
		Display:    prefs.Notify,
		Artifact:   artifact,
		OutputName: prefs.OutputName,
	}

	if prefs.HasWebhook() && p.sender != nil {
		ch := p.sender.Dispatch(ctx, delivery.Delivery{
			URL:      *prefs.WebhookTarget,
			Message:  message,
			Filename: prefs.OutputName,
			Artifact: artifact,
		})
		select {
		case res := <-ch:
			out.Delivery = &res
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return out, nil
}

// clean stages the upload in runDir and streams it through the cleaner.
func (p *Pipeline) clean(ctx context.Context, runDir string, body io.Reader) (*records.Result, error) {
	f, err := os.CreateTemp(runDir, "upload-*"+models.OutputExtension)
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}

	return p.cleaner.Clean(ctx, f)
}

func writeArtifact(path string, result *records.Result) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := result.WriteTo(io.MultiWriter(f, &buf)); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	return buf.Bytes(), nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrUnsupportedUpload):
		return OutcomeUnsupported
	case errors.Is(err, ErrFilenameRejected):
		return OutcomeFilenameRejected
	case errors.Is(err, records.ErrBelowThreshold):
		return OutcomeBelowThreshold
	case errors.Is(err, report.ErrTemplate):
		return OutcomeTemplateError
	default:
		return OutcomeError
	}
}

func countOf(out *Outcome) int {
	if out == nil {
		return 0
	}
	return out.Count
}
