package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/gantry/pkg/config"
)

// Type categorizes captured evidence.
type Type string

const (
	TypeLog             Type = "log"
	TypeScreenshot      Type = "screenshot"
	TypeHTMLSnapshot    Type = "html_snapshot"
	TypeAPIRequest      Type = "api_request"
	TypeAPIResponse     Type = "api_response"
	TypeLLMConversation Type = "llm_conversation"
	TypeError           Type = "error"
	TypeOutput          Type = "output"
)

// DefaultMaxInlineBytes is the inline/external threshold.
const DefaultMaxInlineBytes = 64 * 1024

// Artifact is one captured payload. Exactly one of Content and
// ExternalHandle is populated: Content iff SizeBytes fits the inline cap.
type Artifact struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	StepIndex      int       `json:"step_index"`
	StepName       string    `json:"step_name"`
	Type           Type      `json:"type"`
	ContentType    string    `json:"content_type"`
	Content        string    `json:"content,omitempty"`
	ExternalHandle string    `json:"external_handle,omitempty"`
	SizeBytes      int       `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	Redacted       bool      `json:"redacted"`
	RedactionRules []string  `json:"redaction_rules,omitempty"`
}

// Store captures artifacts per job. Per-job lists and size counters are
// independent; no cross-job synchronization happens on the capture path.
type Store struct {
	blobs          BlobStore
	rules          []Rule
	maxInlineBytes int
	clock          func() time.Time
	logger         *slog.Logger

	mu     sync.RWMutex
	byJob  map[string][]*Artifact
	sizes  map[string]int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxInlineBytes overrides the inline threshold.
func WithMaxInlineBytes(n int) StoreOption {
	return func(s *Store) { s.maxInlineBytes = n }
}

// WithRules replaces the default redaction rules.
func WithRules(rules []Rule) StoreOption {
	return func(s *Store) { s.rules = rules }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates an artifact store over the given blob store.
func NewStore(blobs BlobStore, opts ...StoreOption) *Store {
	s := &Store{
		blobs:          blobs,
		rules:          DefaultRules(),
		maxInlineBytes: DefaultMaxInlineBytes,
		clock:          time.Now,
		logger:         slog.Default().With("component", "artifacts"),
		byJob:          make(map[string][]*Artifact),
		sizes:          make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromConfig builds the blob store for the configured mode and wraps
// it. Redaction rules come from the configured YAML file when set.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config, opts ...StoreOption) (*Store, error) {
	var (
		blobs BlobStore
		err   error
	)
	switch cfg.ArtifactMode {
	case config.ArtifactFilesystem:
		blobs, err = NewFileBlobStore(cfg.ArtifactDir)
	case config.ArtifactExternal:
		blobs, err = NewS3BlobStore(ctx, S3Config{
			Bucket:   cfg.ArtifactS3Bucket,
			Region:   cfg.ArtifactS3Region,
			Endpoint: cfg.ArtifactS3Endpoint,
			Prefix:   cfg.ArtifactS3Prefix,
		})
	default:
		blobs = NewMemoryBlobStore()
	}
	if err != nil {
		return nil, err
	}

	if cfg.RedactionRules != "" {
		rules, err := LoadRules(cfg.RedactionRules)
		if err != nil {
			return nil, err
		}
		opts = append([]StoreOption{WithRules(rules)}, opts...)
	}
	return NewStore(blobs, opts...), nil
}

// Capture redacts the payload and stores it inline or externally by size.
func (s *Store) Capture(ctx context.Context, jobID string, stepIndex int, stepName string, typ Type, contentType, payload string) (*Artifact, error) {
	masked, applied := redact(s.rules, payload)

	art := &Artifact{
		ID:             uuid.NewString(),
		JobID:          jobID,
		StepIndex:      stepIndex,
		StepName:       stepName,
		Type:           typ,
		ContentType:    contentType,
		SizeBytes:      len(masked),
		CreatedAt:      s.clock().UTC(),
		Redacted:       len(applied) > 0,
		RedactionRules: applied,
	}

	if art.SizeBytes <= s.maxInlineBytes {
		art.Content = masked
	} else {
		handle, err := s.blobs.Put(ctx, []byte(masked))
		if err != nil {
			return nil, fmt.Errorf("artifacts: store payload: %w", err)
		}
		art.ExternalHandle = handle
	}

	s.mu.Lock()
	s.byJob[jobID] = append(s.byJob[jobID], art)
	s.sizes[jobID] += int64(art.SizeBytes)
	s.mu.Unlock()

	return art, nil
}

// Get returns an artifact by id, or nil when absent.
func (s *Store) Get(id string) *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, arts := range s.byJob {
		for _, art := range arts {
			if art.ID == id {
				return art
			}
		}
	}
	return nil
}

// Payload returns the artifact's content, fetching from the blob store for
// external artifacts.
func (s *Store) Payload(ctx context.Context, art *Artifact) (string, error) {
	if art.ExternalHandle == "" {
		return art.Content, nil
	}
	data, err := s.blobs.Get(ctx, art.ExternalHandle)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListByJob returns the job's artifacts in capture order.
func (s *Store) ListByJob(jobID string) []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arts := s.byJob[jobID]
	out := make([]*Artifact, len(arts))
	copy(out, arts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// JobSize returns the total captured bytes for a job, for storage metering.
func (s *Store) JobSize(jobID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sizes[jobID]
}

// DeleteJob removes the job's artifacts and their external blobs. Artifacts
// are owned by the job; clearing the job clears them.
func (s *Store) DeleteJob(ctx context.Context, jobID string) {
	s.mu.Lock()
	arts := s.byJob[jobID]
	delete(s.byJob, jobID)
	delete(s.sizes, jobID)
	s.mu.Unlock()

	for _, art := range arts {
		if art.ExternalHandle == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, art.ExternalHandle); err != nil {
			s.logger.Warn("blob delete failed", "job_id", jobID, "handle", art.ExternalHandle, "error", err)
		}
	}
}
