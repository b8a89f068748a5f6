package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory DocumentStore used by tests. RWMutex lets
// multiple readers proceed concurrently while writers take the exclusive
// lock, matching the request-heavy access pattern of the API.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (m *MemoryStore) Create(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	doc.Status = StatusUploaded
	doc.Text = nil
	doc.ArtifactName = nil
	doc.ArtifactURL = nil
	doc.CreatedAt = now
	doc.UpdatedAt = now
	clone := *doc
	m.docs[doc.ID] = &clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *doc
	return &clone, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, userID string, page, limit int) ([]Document, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	m.mu.RLock()
	owned := []Document{}
	for _, doc := range m.docs {
		if doc.UserID == userID {
			owned = append(owned, *doc)
		}
	}
	m.mu.RUnlock()
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	total := len(owned)
	offset := (page - 1) * limit
	if offset >= total {
		return []Document{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return owned[offset:end], total, nil
}

func (m *MemoryStore) SearchText(ctx context.Context, userID, query string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := []Document{}
	for _, doc := range m.docs {
		if doc.UserID != userID || doc.Status != StatusProcessed || doc.Text == nil {
			continue
		}
		if strings.Contains(strings.ToLower(*doc.Text), needle) {
			matched = append(matched, *doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched, nil
}

func (m *MemoryStore) FindByArtifactName(ctx context.Context, userID, name string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.docs {
		if doc.UserID == userID && doc.ArtifactName != nil && *doc.ArtifactName == name {
			clone := *doc
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ClaimArtifactName(ctx context.Context, id, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	for otherID, other := range m.docs {
		if otherID != id && other.ArtifactName != nil && *other.ArtifactName == name {
			return ErrNameTaken
		}
	}
	doc.ArtifactName = &name
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, id, text, artifactURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok || doc.Status == StatusProcessed {
		return ErrNotFound
	}
	doc.Status = StatusProcessed
	doc.Text = &text
	doc.ArtifactURL = &artifactURL
	doc.ErrorMessage = nil
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok || doc.Status == StatusProcessed {
		return ErrNotFound
	}
	doc.Status = StatusFailed
	doc.ErrorMessage = &msg
	doc.UpdatedAt = time.Now().UTC()
	return nil
}
