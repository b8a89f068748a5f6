// Package worker runs the ingestion pipeline: download the staged upload,
// extract its text, render the PDF artifact, claim a unique artifact name,
// upload the artifact and patch the document record.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"docscan-backend/internal/artifact"
	"docscan-backend/internal/extract"
	"docscan-backend/internal/metrics"
	"docscan-backend/internal/queue"
	"docscan-backend/internal/repository"
)

// BlobStore is the slice of blob operations the pipeline needs.
type BlobStore interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
	DeleteRaw(ctx context.Context, objectKey string) error
	UploadArtifact(ctx context.Context, name string, data []byte) error
	DeleteArtifact(ctx context.Context, name string) error
	ArtifactURL(name string) string
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	repo      repository.DocumentStore
	blob      BlobStore
	extractor extract.Extractor
	log       zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo repository.DocumentStore, blob BlobStore, extractor extract.Extractor, log zerolog.Logger) *Processor {
	return &Processor{repo: repo, blob: blob, extractor: extractor, log: log}
}

// Handler registers the process job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessDocumentTask, p.HandleProcess)
	return mux
}

// HandleProcess runs one pipeline pass for a queued document. Errors are
// recorded on the document as a failed status and returned so asynq retries
// within the task's bounded retry budget; a later successful retry flips the
// record back to processed.
func (p *Processor) HandleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}
	start := time.Now()
	failure := func(err error) error {
		p.log.Error().Err(err).Str("document_id", payload.DocumentID).Msg("processing failed")
		metrics.DocumentsProcessedTotal.WithLabelValues("failure").Inc()
		if markErr := p.repo.MarkFailed(ctx, payload.DocumentID, err.Error()); markErr != nil && !errors.Is(markErr, repository.ErrNotFound) {
			p.log.Error().Err(markErr).Str("document_id", payload.DocumentID).Msg("mark failed")
		}
		return err
	}

	if _, err := p.repo.Get(ctx, payload.DocumentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Deleted while queued; nothing to do and nothing to retry.
			p.log.Info().Str("document_id", payload.DocumentID).Msg("document gone before processing")
			return nil
		}
		return failure(err)
	}

	data, err := p.blob.DownloadRaw(ctx, payload.RawKey)
	if err != nil {
		return failure(err)
	}
	text, err := p.extractor.Extract(data, payload.ContentType)
	if err != nil {
		return failure(err)
	}
	pdfBytes, err := artifact.Generate(text)
	if err != nil {
		return failure(err)
	}

	name, err := p.claimName(ctx, payload.DocumentID, payload.FileName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.log.Info().Str("document_id", payload.DocumentID).Msg("document gone before name claim")
			return nil
		}
		return failure(err)
	}

	if err := p.blob.UploadArtifact(ctx, name, pdfBytes); err != nil {
		return failure(err)
	}

	if err := p.repo.MarkProcessed(ctx, payload.DocumentID, text, p.blob.ArtifactURL(name)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return p.resolveStalePatch(ctx, payload, name)
		}
		return failure(err)
	}

	// The raw staging object is transient; clear it once processing lands.
	if err := p.blob.DeleteRaw(ctx, payload.RawKey); err != nil {
		p.log.Warn().Err(err).Str("raw_key", payload.RawKey).Msg("cleanup raw object")
	}

	metrics.DocumentsProcessedTotal.WithLabelValues("success").Inc()
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	p.log.Info().
		Str("document_id", payload.DocumentID).
		Str("artifact", name).
		Int("text_bytes", len(text)).
		Msg("document processed")
	return nil
}

// resolveStalePatch handles a completion patch that matched zero rows. Two
// cases land here: the record was deleted while the pipeline ran, or the task
// was redelivered after the record already reached processed (asynq delivers
// at least once). Only the first leaves an orphan blob; on redelivery the
// upload just rewrote the live artifact and must stay.
func (p *Processor) resolveStalePatch(ctx context.Context, payload queue.ProcessPayload, name string) error {
	doc, err := p.repo.Get(ctx, payload.DocumentID)
	if err == nil && doc.Status == repository.StatusProcessed && doc.ArtifactName != nil && *doc.ArtifactName == name {
		p.log.Info().Str("document_id", payload.DocumentID).Str("artifact", name).Msg("document already processed")
		if delErr := p.blob.DeleteRaw(ctx, payload.RawKey); delErr != nil {
			p.log.Warn().Err(delErr).Str("raw_key", payload.RawKey).Msg("cleanup raw object")
		}
		return nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	// Gone, or completed under a different name: the blob we just wrote is an
	// orphan and the conditional update keeps the record's state final.
	if delErr := p.blob.DeleteArtifact(ctx, name); delErr != nil {
		p.log.Error().Err(delErr).Str("artifact", name).Msg("remove orphan artifact")
	}
	return nil
}

// claimName probes candidate artifact names in increasing suffix order until
// a claim lands. Each probe is a single conditional write, so two concurrent
// completions for the same base name cannot claim the same suffix.
func (p *Processor) claimName(ctx context.Context, docID, fileName string) (string, error) {
	base := artifact.BaseName(fileName)
	for i := 0; ; i++ {
		name := artifact.CandidateName(base, i)
		err := p.repo.ClaimArtifactName(ctx, docID, name)
		if err == nil {
			return name, nil
		}
		if errors.Is(err, repository.ErrNameTaken) {
			continue
		}
		return "", err
	}
}
