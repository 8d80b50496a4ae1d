package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-sync-server/internal/awareness"
	"collab-sync-server/internal/calculation"
	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/database"
	"collab-sync-server/internal/decoder"
	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/protocol"
	"collab-sync-server/internal/relay"
	"collab-sync-server/internal/repository"
	"collab-sync-server/internal/view"
	"collab-sync-server/internal/websocket"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	AwarenessTimeout time.Duration
	PersistInterval  time.Duration
	Policy           calculation.Policy
	// Bus, when set, keeps replicas of the same document consistent across
	// server instances.
	Bus    relay.PubSub
	Logger zerolog.Logger
}

// replica is a server-held document plus its presence state.
type replica struct {
	collabType string
	doc        *crdt.Doc
	awareness  *awareness.Awareness
	bridge     *bridge

	mu           sync.Mutex
	savedVersion uint64
	savedSummary []byte
}

// DocumentService owns the server replicas. It binds websocket clients to
// sync sessions, persists replicas periodically and serves database views.
type DocumentService struct {
	repo       repository.SnapshotRepository
	opts       Options
	logger     zerolog.Logger
	instanceID string

	// loading collapses concurrent first opens of one document; mu is
	// never held while a snapshot loads
	loading singleflight.Group

	mu        sync.Mutex
	replicas  map[string]*replica
	databases map[string]*database.Database
	views     map[string]*view.View
	caches    map[string]*decoder.Cache
	sessions  map[string]*protocol.Session
}

func NewDocumentService(repo repository.SnapshotRepository, opts Options) *DocumentService {
	if opts.AwarenessTimeout <= 0 {
		opts.AwarenessTimeout = awareness.DefaultTimeout
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = 10 * time.Second
	}
	return &DocumentService{
		repo:       repo,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "document_service").Logger(),
		instanceID: uuid.NewString(),
		replicas:   make(map[string]*replica),
		databases:  make(map[string]*database.Database),
		views:      make(map[string]*view.View),
		caches:     make(map[string]*decoder.Cache),
		sessions:   make(map[string]*protocol.Session),
	}
}

// ValidCollabType reports whether t names a document kind the server holds.
func ValidCollabType(t string) bool {
	switch t {
	case protocol.CollabDocument, protocol.CollabDatabase, protocol.CollabRow, protocol.CollabFolder:
		return true
	}
	return false
}

func replicaKey(collabType, documentID string) string {
	return collabType + "/" + documentID
}

// Document returns the server replica of a document, loading it from its
// snapshot on first use. Unknown documents start empty.
func (s *DocumentService) Document(ctx context.Context, collabType, documentID string) (*crdt.Doc, error) {
	r, err := s.open(ctx, collabType, documentID)
	if err != nil {
		return nil, err
	}
	return r.doc, nil
}

// Awareness returns the presence state shared by all sessions of a document.
func (s *DocumentService) Awareness(ctx context.Context, collabType, documentID string) (*awareness.Awareness, error) {
	r, err := s.open(ctx, collabType, documentID)
	if err != nil {
		return nil, err
	}
	return r.awareness, nil
}

func (s *DocumentService) open(ctx context.Context, collabType, documentID string) (*replica, error) {
	if !ValidCollabType(collabType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollabType, collabType)
	}
	if documentID == "" {
		return nil, fmt.Errorf("empty document id")
	}
	key := replicaKey(collabType, documentID)

	if r, ok := s.cached(key); ok {
		return r, nil
	}
	v, err, _ := s.loading.Do(key, func() (any, error) {
		if r, ok := s.cached(key); ok {
			return r, nil
		}
		r, err := s.load(ctx, collabType, documentID)
		if err != nil {
			return nil, err
		}
		if s.opts.Bus != nil {
			b, err := startBridge(ctx, s.opts.Bus, s.instanceID, r, s.logger)
			if err != nil {
				s.logger.Warn().Err(err).Str("doc_id", documentID).Msg("cross-instance fan-out unavailable")
			} else {
				r.bridge = b
			}
		}
		s.mu.Lock()
		s.replicas[key] = r
		s.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*replica), nil
}

func (s *DocumentService) cached(key string) (*replica, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replicas[key]
	return r, ok
}

func (s *DocumentService) load(ctx context.Context, collabType, documentID string) (*replica, error) {
	doc := crdt.NewDoc(documentID, crdt.WithLogger(s.logger))
	r := &replica{
		collabType: collabType,
		doc:        doc,
		awareness: awareness.New(doc.ClientID(),
			awareness.WithTimeout(s.opts.AwarenessTimeout),
			awareness.WithLogger(s.logger),
		),
	}

	snapshot, err := s.repo.Get(ctx, collabType, documentID)
	if errors.Is(err, repository.ErrSnapshotNotFound) {
		s.logger.Debug().Str("collab_type", collabType).Str("doc_id", documentID).Msg("new replica")
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if err := doc.ApplyUpdate(snapshot.State, nil); err != nil {
		return nil, fmt.Errorf("failed to apply snapshot: %w", err)
	}
	hash, err := contentHash(doc)
	if err != nil {
		return nil, err
	}
	if snapshot.ContentHash != "" && hash != snapshot.ContentHash {
		return nil, fmt.Errorf("%w: %s", ErrCorruptSnapshot, snapshot.ID)
	}
	r.savedVersion = doc.Version()
	r.savedSummary = doc.StateSummary()

	s.logger.Debug().
		Str("collab_type", collabType).
		Str("doc_id", documentID).
		Int("size", len(snapshot.State)).
		Msg("loaded replica")
	return r, nil
}

// contentHash hashes the exported content. JSON object keys are sorted, so
// equal content always hashes the same.
func contentHash(doc *crdt.Doc) (string, error) {
	content, err := json.Marshal(doc.ToJSON())
	if err != nil {
		return "", fmt.Errorf("failed to export content: %w", err)
	}
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

func (s *DocumentService) snapshotReplicas() []*replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		out = append(out, r)
	}
	return out
}

// Persist writes every replica that changed since its last write.
func (s *DocumentService) Persist(ctx context.Context) error {
	var errs []error
	for _, r := range s.snapshotReplicas() {
		if err := s.persist(ctx, r); err != nil {
			s.logger.Error().Err(err).Str("doc_id", r.doc.GUID()).Msg("failed to persist replica")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *DocumentService) persist(ctx context.Context, r *replica) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	version := r.doc.Version()
	if version == r.savedVersion {
		return nil
	}
	summary := r.doc.StateSummary()
	if bytes.Equal(summary, r.savedSummary) {
		r.savedVersion = version
		return nil
	}
	hash, err := contentHash(r.doc)
	if err != nil {
		return err
	}

	snapshot := &domain.Snapshot{
		CollabType:   r.collabType,
		DocumentID:   r.doc.GUID(),
		State:        r.doc.EncodeStateAsUpdate(),
		StateSummary: summary,
		ContentHash:  hash,
		UpdatedAt:    time.Now(),
	}
	if err := s.repo.Save(ctx, snapshot); err != nil {
		return err
	}
	r.savedVersion = version
	r.savedSummary = summary
	return nil
}

// Run persists and prunes stale presence until ctx is done, then writes
// once more.
func (s *DocumentService) Run(ctx context.Context) {
	persist := time.NewTicker(s.opts.PersistInterval)
	defer persist.Stop()
	prune := time.NewTicker(s.opts.AwarenessTimeout / 2)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.Persist(flushCtx)
			cancel()
			s.closeBridges()
			return
		case <-persist.C:
			s.Persist(ctx)
		case <-prune.C:
			for _, r := range s.snapshotReplicas() {
				if removed := r.awareness.Prune(); len(removed) > 0 {
					s.logger.Debug().Str("doc_id", r.doc.GUID()).Int("count", len(removed)).Msg("pruned participants")
				}
			}
		}
	}
}

func (s *DocumentService) closeBridges() {
	for _, r := range s.snapshotReplicas() {
		if r.bridge != nil {
			r.bridge.close()
		}
	}
}

// Connect starts a sync session for a websocket client.
func (s *DocumentService) Connect(client *websocket.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := s.open(ctx, client.CollabType, client.DocumentID)
	if err != nil {
		return err
	}
	session := protocol.NewSession(client.CollabType, r.doc, r.awareness, client,
		protocol.WithLogger(s.logger.With().Str("client_id", client.ID).Logger()),
	)

	s.mu.Lock()
	s.sessions[client.ID] = session
	s.mu.Unlock()

	session.Open()
	return nil
}

func (s *DocumentService) HandleMessage(client *websocket.Client, data []byte) {
	s.mu.Lock()
	session, ok := s.sessions[client.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	session.Receive(data)
}

func (s *DocumentService) Disconnect(client *websocket.Client) {
	s.mu.Lock()
	session, ok := s.sessions[client.ID]
	delete(s.sessions, client.ID)
	s.mu.Unlock()
	if ok {
		session.Close()
	}
}
