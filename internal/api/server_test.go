package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docscan-backend/internal/auth"
	"docscan-backend/internal/config"
	"docscan-backend/internal/queue"
	"docscan-backend/internal/repository"
	"docscan-backend/internal/signing"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type fakeBlob struct {
	rawUploads     map[string][]byte
	deleteRawErr   error
	deleteArtErr   error
	deletedNames   []string
	deletedRawKeys []string
	presignCalled  string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{rawUploads: make(map[string][]byte)}
}

func (f *fakeBlob) UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.rawUploads[objectKey] = data
	return nil
}

func (f *fakeBlob) DeleteRaw(ctx context.Context, objectKey string) error {
	if f.deleteRawErr != nil {
		return f.deleteRawErr
	}
	f.deletedRawKeys = append(f.deletedRawKeys, objectKey)
	return nil
}

func (f *fakeBlob) DeleteArtifact(ctx context.Context, name string) error {
	if f.deleteArtErr != nil {
		return f.deleteArtErr
	}
	f.deletedNames = append(f.deletedNames, name)
	return nil
}

func (f *fakeBlob) PresignArtifactURL(ctx context.Context, name string, expiry time.Duration) (string, error) {
	f.presignCalled = name
	return "https://minio.local/docscan-artifacts/" + name + "?presigned=1", nil
}

type fakeEnqueuer struct {
	payloads []queue.ProcessPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueProcess(ctx context.Context, payload queue.ProcessPayload) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

type testEnv struct {
	server *Server
	store  *repository.MemoryStore
	blob   *fakeBlob
	queue  *fakeEnqueuer
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Address:       ":0",
		MaxFileSize:   1 << 20,
		AllowedTypes:  []string{"image/png", "image/jpeg", "application/pdf"},
		PageSize:      10,
		SigningSecret: []byte("sign-secret"),
		AuthSecret:    []byte("auth-secret"),
		SignedURLTTL:  100 * time.Minute,
		SignedURLSkew: 5 * time.Minute,
	}
	store := repository.NewMemoryStore()
	blob := newFakeBlob()
	enq := &fakeEnqueuer{}
	signer := signing.NewSigner(cfg.SigningSecret, cfg.SignedURLTTL, cfg.SignedURLSkew)
	verifier := auth.NewVerifier(cfg.AuthSecret)
	srv := New(cfg, store, blob, enq, signer, verifier, zerolog.Nop())
	return &testEnv{server: srv, store: store, blob: blob, queue: enq, cfg: cfg}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(e.cfg.AuthSecret)
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, req *http.Request, userID string) *httptest.ResponseRecorder {
	t.Helper()
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	rec := httptest.NewRecorder()
	e.server.Routes().ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fieldName, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(fieldName, fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUploadCreatesRecordAndEnqueues(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartBody(t, "file", "scan.png", append(pngMagic, []byte("image data")...))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)

	rec := env.do(t, req, "user-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "uploaded", resp["status"])
	require.NotEmpty(t, resp["id"])

	doc, err := env.store.Get(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, repository.StatusUploaded, doc.Status)
	assert.Equal(t, "user-1", doc.UserID)
	assert.Equal(t, "scan.png", doc.FileName)
	assert.Nil(t, doc.Text)
	assert.Nil(t, doc.ArtifactURL)

	require.Len(t, env.queue.payloads, 1)
	assert.Equal(t, resp["id"], env.queue.payloads[0].DocumentID)
	assert.Equal(t, "image/png", env.queue.payloads[0].ContentType)
	assert.Contains(t, env.blob.rawUploads, env.queue.payloads[0].RawKey)
}

func TestUploadRejectsMissingFile(t *testing.T) {
	env := newTestEnv(t)
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("name", "nope"))
	require.NoError(t, writer.Close())
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := env.do(t, req, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.queue.payloads)
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartBody(t, "file", "notes.txt", []byte("plain text content here"))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)

	rec := env.do(t, req, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.queue.payloads)
}

func TestUploadEnqueueFailureDiscardsStagedObject(t *testing.T) {
	env := newTestEnv(t)
	env.queue.err = errors.New("redis down")
	body, contentType := multipartBody(t, "file", "scan.png", append(pngMagic, []byte("image data")...))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)

	rec := env.do(t, req, "user-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The staged raw object is removed once the request can no longer succeed.
	require.Len(t, env.blob.rawUploads, 1)
	for key := range env.blob.rawUploads {
		assert.Equal(t, []string{key}, env.blob.deletedRawKeys)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartBody(t, "file", "scan.png", pngMagic)
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)

	rec := env.do(t, req, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetDocumentNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/documents/unknown", nil)
	rec := env.do(t, req, "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDocumentHidesOtherOwners(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Create(context.Background(), &repository.Document{
		ID: "d1", UserID: "user-1", FileName: "scan.png",
	}))
	req := httptest.NewRequest(http.MethodGet, "/documents/d1", nil)
	rec := env.do(t, req, "user-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, env.store.Create(ctx, &repository.Document{ID: id, UserID: "user-1", FileName: id + ".png"}))
	}
	req := httptest.NewRequest(http.MethodGet, "/documents?page=1&limit=2", nil)
	rec := env.do(t, req, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Files []repository.Document `json:"files"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Files, 2)
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/documents/search", nil)
	rec := env.do(t, req, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchMissReturnsEmptyList(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/documents/search?q=xyz123", nil)
	rec := env.do(t, req, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Files []repository.Document `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Files)
	assert.Empty(t, resp.Files)
}

func TestSearchExcludesUploadedRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, &repository.Document{ID: "pending", UserID: "user-1", FileName: "p.png"}))
	require.NoError(t, env.store.Create(ctx, &repository.Document{ID: "done", UserID: "user-1", FileName: "d.png"}))
	require.NoError(t, env.store.ClaimArtifactName(ctx, "done", "d.pdf"))
	require.NoError(t, env.store.MarkProcessed(ctx, "done", "searchable content", "https://store/d.pdf"))

	req := httptest.NewRequest(http.MethodGet, "/documents/search?q=content", nil)
	rec := env.do(t, req, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Files []repository.Document `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "done", resp.Files[0].ID)
}

func TestDeleteKeepsRecordWhenArtifactDeleteFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, &repository.Document{ID: "d1", UserID: "user-1", FileName: "a.png"}))
	require.NoError(t, env.store.ClaimArtifactName(ctx, "d1", "a.pdf"))
	require.NoError(t, env.store.MarkProcessed(ctx, "d1", "text", "https://store/a.pdf"))
	env.blob.deleteArtErr = errors.New("blob unavailable")

	req := httptest.NewRequest(http.MethodDelete, "/documents/d1", nil)
	rec := env.do(t, req, "user-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// Artifact-before-record ordering: the record must survive.
	doc, err := env.store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusProcessed, doc.Status)
}

func TestDeleteRemovesArtifactThenRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, &repository.Document{ID: "d1", UserID: "user-1", FileName: "a.png"}))
	require.NoError(t, env.store.ClaimArtifactName(ctx, "d1", "a.pdf"))
	require.NoError(t, env.store.MarkProcessed(ctx, "d1", "text", "https://store/a.pdf"))

	req := httptest.NewRequest(http.MethodDelete, "/documents/d1", nil)
	rec := env.do(t, req, "user-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"a.pdf"}, env.blob.deletedNames)
	_, err := env.store.Get(ctx, "d1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestArtifactURLIssuance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, &repository.Document{ID: "d1", UserID: "user-1", FileName: "scan.png"}))
	require.NoError(t, env.store.ClaimArtifactName(ctx, "d1", "scan.pdf"))
	require.NoError(t, env.store.MarkProcessed(ctx, "d1", "text", "https://store/scan.pdf"))

	before := time.Now()
	req := httptest.NewRequest(http.MethodGet, "/artifacts/scan.pdf/url", nil)
	rec := env.do(t, req, "user-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["url"])

	parsed, err := url.Parse(resp["url"])
	require.NoError(t, err)
	assert.Equal(t, "/download", parsed.Path)
	assert.Equal(t, "scan.pdf", parsed.Query().Get("artifact"))

	notBefore, err := time.Parse(time.RFC3339, resp["notBefore"])
	require.NoError(t, err)
	expires, err := time.Parse(time.RFC3339, resp["expires"])
	require.NoError(t, err)
	assert.True(t, notBefore.Before(before), "validity start must predate issuance")
	assert.WithinDuration(t, before.Add(env.cfg.SignedURLTTL), expires, 5*time.Second)
}

func TestArtifactURLUnknownName(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/artifacts/ghost.pdf/url", nil)
	rec := env.do(t, req, "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, &repository.Document{ID: "d1", UserID: "user-1", FileName: "scan.png"}))
	require.NoError(t, env.store.ClaimArtifactName(ctx, "d1", "scan.pdf"))
	require.NoError(t, env.store.MarkProcessed(ctx, "d1", "text", "https://store/scan.pdf"))

	issueReq := httptest.NewRequest(http.MethodGet, "/artifacts/scan.pdf/url", nil)
	issueRec := env.do(t, issueReq, "user-1")
	require.Equal(t, http.StatusOK, issueRec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(issueRec.Body.Bytes(), &resp))

	// The capability itself authorizes the download; no token needed.
	dlReq := httptest.NewRequest(http.MethodGet, resp["url"], nil)
	dlRec := env.do(t, dlReq, "")
	assert.Equal(t, http.StatusFound, dlRec.Code)
	assert.Contains(t, dlRec.Header().Get("Location"), "scan.pdf")
	assert.Equal(t, "scan.pdf", env.blob.presignCalled)
}

func TestDownloadRejectsTamperedSignature(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/download?artifact=scan.pdf&nbf=1&exp=99999999999&sig=bogus", nil)
	rec := env.do(t, req, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
