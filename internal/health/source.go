package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Source produces the current metrics snapshot for a monitored subject.
// Implementations are expected to be safe for concurrent use; callers
// treat errors as "no data" and retry on their own schedule.
type Source interface {
	Current(ctx context.Context, id string) (*Snapshot, error)
}

// StaticSource serves a fixed snapshot per subject, with a fallback
// default. It backs local development and the offline simulator, and
// gives phase evaluation something deterministic to read before a real
// metrics pipeline is wired up.
type StaticSource struct {
	mu       sync.RWMutex
	defaults Snapshot
	subjects map[string]*Snapshot
}

// NewStaticSource returns a source answering every subject with def.
func NewStaticSource(def Snapshot) *StaticSource {
	return &StaticSource{
		defaults: def,
		subjects: make(map[string]*Snapshot),
	}
}

// Set overrides the snapshot returned for one subject.
func (s *StaticSource) Set(id string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[id] = &snap
}

// Clear removes a per-subject override.
func (s *StaticSource) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subjects, id)
}

func (s *StaticSource) Current(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.defaults
	if override, ok := s.subjects[id]; ok {
		snap = *override
	}
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = time.Now()
	}
	return &snap, nil
}

// HTTPSource fetches snapshots from a metrics endpoint, one GET per
// subject: {BaseURL}/metrics/{id} answering a Snapshot JSON document.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds a source against baseURL. The client timeout
// bounds every fetch so a stalled metrics backend cannot wedge phase
// evaluation or the safety loop.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Current(ctx context.Context, id string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/metrics/%s", s.baseURL, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics for %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("metrics endpoint returned %d for %s", resp.StatusCode, id)
	}

	var snap Snapshot
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode metrics for %s: %w", id, err)
	}

	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = time.Now()
	}
	return &snap, nil
}
