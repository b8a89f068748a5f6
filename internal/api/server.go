// Package api exposes the HTTP surface: uploads, document visibility, search,
// deletion, and signed artifact read URLs. Handlers stay thin; lifecycle
// decisions live in the repository and the worker.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"docscan-backend/internal/auth"
	"docscan-backend/internal/config"
	"docscan-backend/internal/queue"
	"docscan-backend/internal/repository"
	"docscan-backend/internal/signing"
)

// BlobStore is the slice of blob operations the API needs.
type BlobStore interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	DeleteRaw(ctx context.Context, objectKey string) error
	DeleteArtifact(ctx context.Context, name string) error
	PresignArtifactURL(ctx context.Context, name string, expiry time.Duration) (string, error)
}

// Enqueuer dispatches pipeline jobs. Implemented by queue.Client.
type Enqueuer interface {
	EnqueueProcess(ctx context.Context, payload queue.ProcessPayload) error
}

// Server exposes HTTP endpoints for uploads and document visibility.
type Server struct {
	cfg      *config.Config
	repo     repository.DocumentStore
	blob     BlobStore
	queue    Enqueuer
	signer   *signing.Signer
	verifier *auth.Verifier
	log      zerolog.Logger
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, repo repository.DocumentStore, blob BlobStore, enqueuer Enqueuer, signer *signing.Signer, verifier *auth.Verifier, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		repo:     repo,
		blob:     blob,
		queue:    enqueuer,
		signer:   signer,
		verifier: verifier,
		log:      log,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Routes(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes assembles the handler tree with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/download", s.handleDownload)
	mux.Handle("/documents", s.verifier.Middleware(http.HandlerFunc(s.handleDocuments)))
	mux.Handle("/documents/", s.verifier.Middleware(http.HandlerFunc(s.handleDocumentRoute)))
	mux.Handle("/artifacts/", s.verifier.Middleware(http.HandlerFunc(s.handleArtifactRoute)))
	return corsMiddleware(loggingMiddleware(s.log, metricsMiddleware(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDocumentRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if parts[0] == "search" && len(parts) == 1 {
		s.handleSearch(w, r)
		return
	}
	if len(parts) == 1 {
		s.handleDocument(w, r, parts[0])
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleArtifactRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "url" {
		http.NotFound(w, r)
		return
	}
	s.handleArtifactURL(w, r, parts[0])
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := auth.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer part.Close()
	tmp, err := s.persistTemp(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	if !s.allowedType(tmp.contentType) {
		http.Error(w, "file type not allowed", http.StatusBadRequest)
		return
	}

	docID := uuid.NewString()
	rawKey := fmt.Sprintf("uploads/%s/%s", docID, filepath.Base(tmp.filename))
	if err := s.uploadToStorage(ctx, rawKey, tmp); err != nil {
		s.log.Error().Err(err).Msg("stage upload")
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	doc := &repository.Document{
		ID:       docID,
		UserID:   userID,
		FileName: tmp.filename,
		RawKey:   rawKey,
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		s.log.Error().Err(err).Msg("create document")
		s.discardStagedUpload(ctx, rawKey)
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	payload := queue.ProcessPayload{
		DocumentID:  docID,
		RawKey:      rawKey,
		FileName:    tmp.filename,
		ContentType: tmp.contentType,
	}
	if err := s.queue.EnqueueProcess(ctx, payload); err != nil {
		s.log.Error().Err(err).Msg("enqueue process")
		s.discardStagedUpload(ctx, rawKey)
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     docID,
		"status": string(repository.StatusUploaded),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			page = parsed
		}
	}
	limit := s.cfg.PageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	docs, total, err := s.repo.ListByOwner(r.Context(), userID, page, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list documents")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"files": docs,
		"total": total,
	})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, err := s.ownedDocument(r.Context(), userID, id)
		if err != nil {
			s.respondDocumentError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		s.handleDelete(w, r, userID, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete removes a document. The remote artifact goes first so a crash
// mid-deletion never leaves a record pointing at a blob nobody tried to
// delete; only after the artifact is gone (or confirmed absent) does the
// record follow.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID, id string) {
	ctx := r.Context()
	doc, err := s.ownedDocument(ctx, userID, id)
	if err != nil {
		s.respondDocumentError(w, err)
		return
	}
	if doc.ArtifactName != nil {
		if err := s.blob.DeleteArtifact(ctx, *doc.ArtifactName); err != nil {
			s.log.Error().Err(err).Str("artifact", *doc.ArtifactName).Msg("delete artifact")
			http.Error(w, "failed to delete artifact", http.StatusInternalServerError)
			return
		}
	}
	if doc.Status == repository.StatusUploaded || doc.Status == repository.StatusFailed {
		// Raw staging object may still exist; best-effort cleanup.
		if err := s.blob.DeleteRaw(ctx, doc.RawKey); err != nil {
			s.log.Warn().Err(err).Str("raw_key", doc.RawKey).Msg("delete raw object")
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Msg("delete document")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch matches the query as a case-insensitive substring of extracted
// text. No matches is an empty 200 list, not an error; a missing query is.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "query parameter q is required", http.StatusBadRequest)
		return
	}
	docs, err := s.repo.SearchText(r.Context(), userID, query)
	if err != nil {
		s.log.Error().Err(err).Msg("search documents")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"files": docs})
}

// handleArtifactURL issues a time-bounded signed read URL for an artifact the
// caller owns. The validity window starts strictly before the issuance time
// to tolerate clock skew between this service and the consumer.
func (s *Server) handleArtifactURL(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	doc, err := s.repo.FindByArtifactName(r.Context(), userID, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Msg("find artifact")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if doc.Status != repository.StatusProcessed {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	cap := s.signer.Issue(name, time.Now())
	q := url.Values{}
	q.Set("artifact", cap.ArtifactName)
	q.Set("nbf", strconv.FormatInt(cap.NotBefore.Unix(), 10))
	q.Set("exp", strconv.FormatInt(cap.ExpiresAt.Unix(), 10))
	q.Set("sig", cap.Signature)
	respondJSON(w, http.StatusOK, map[string]string{
		"url":       "/download?" + q.Encode(),
		"notBefore": cap.NotBefore.UTC().Format(time.RFC3339),
		"expires":   cap.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleDownload validates the signed capability and redirects to a
// short-lived presigned GET on the blob store. The capability itself is the
// authorization; no bearer token is required here.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("artifact")
	nbf := r.URL.Query().Get("nbf")
	exp := r.URL.Query().Get("exp")
	sig := r.URL.Query().Get("sig")
	if name == "" || nbf == "" || exp == "" || sig == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	if !s.signer.Validate(name, nbf, exp, sig, time.Now()) {
		http.Error(w, "invalid or expired url", http.StatusUnauthorized)
		return
	}
	target, err := s.blob.PresignArtifactURL(r.Context(), name, time.Minute)
	if err != nil {
		s.log.Error().Err(err).Str("artifact", name).Msg("presign artifact")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) ownedDocument(ctx context.Context, userID, id string) (*repository.Document, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		// Owner mismatch looks like absence; ids are not probeable.
		return nil, repository.ErrNotFound
	}
	return doc, nil
}

func (s *Server) respondDocumentError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	s.log.Error().Err(err).Msg("load document")
	http.Error(w, "server error", http.StatusInternalServerError)
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "docscan-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, errors.New("empty file")
	}
	contentType := http.DetectContentType(sniff)
	if _, err := tmpFile.Seek(0, 0); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentType,
		filename:    filename,
	}, nil
}

func (s *Server) uploadToStorage(ctx context.Context, rawKey string, tmp *tempUpload) error {
	if _, err := tmp.f.Seek(0, 0); err != nil {
		return err
	}
	return s.blob.UploadRaw(ctx, rawKey, tmp.f, tmp.size, tmp.contentType)
}

// discardStagedUpload removes the raw object staged for an upload whose
// request failed after staging; no pipeline task will ever consume it.
func (s *Server) discardStagedUpload(ctx context.Context, rawKey string) {
	if err := s.blob.DeleteRaw(ctx, rawKey); err != nil {
		s.log.Warn().Err(err).Str("raw_key", rawKey).Msg("discard staged upload")
	}
}

func (s *Server) allowedType(contentType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}
