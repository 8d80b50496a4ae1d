package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collab-sync-server/internal/calculation"
	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/database"
	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/filter"
	"collab-sync-server/internal/protocol"
	"collab-sync-server/internal/relay"
	"collab-sync-server/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSnapshotRepo struct {
	mu        sync.Mutex
	snapshots map[string]domain.Snapshot
	saves     int
}

func newMockSnapshotRepo() *mockSnapshotRepo {
	return &mockSnapshotRepo{snapshots: make(map[string]domain.Snapshot)}
}

func (m *mockSnapshotRepo) Get(_ context.Context, collabType, documentID string) (*domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[domain.SnapshotID(collabType, documentID)]
	if !ok {
		return nil, repository.ErrSnapshotNotFound
	}
	return &s, nil
}

func (m *mockSnapshotRepo) Save(_ context.Context, s *domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = domain.SnapshotID(s.CollabType, s.DocumentID)
	m.snapshots[s.ID] = *s
	m.saves++
	return nil
}

func (m *mockSnapshotRepo) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// gatedRepo blocks Get for one document until release is closed.
type gatedRepo struct {
	*mockSnapshotRepo
	slowID  string
	release chan struct{}
	started chan struct{}
	gets    atomic.Int32
}

func (g *gatedRepo) Get(ctx context.Context, collabType, documentID string) (*domain.Snapshot, error) {
	if documentID == g.slowID {
		g.gets.Add(1)
		g.started <- struct{}{}
		<-g.release
	}
	return g.mockSnapshotRepo.Get(ctx, collabType, documentID)
}

func newService(repo repository.SnapshotRepository) *DocumentService {
	return NewDocumentService(repo, Options{Logger: zerolog.Nop()})
}

func writeText(t *testing.T, doc *crdt.Doc, s string) {
	t.Helper()
	require.NoError(t, doc.Transact(nil, func(tx *crdt.Txn) error {
		text := doc.Seq("text")
		return text.InsertText(tx, text.Len(), s)
	}))
}

func TestDocumentRejectsUnknownCollabType(t *testing.T) {
	svc := newService(newMockSnapshotRepo())
	_, err := svc.Document(context.Background(), "spreadsheet", "x")
	assert.ErrorIs(t, err, ErrUnknownCollabType)
}

func TestSlowLoadDoesNotBlockOtherDocuments(t *testing.T) {
	repo := &gatedRepo{
		mockSnapshotRepo: newMockSnapshotRepo(),
		slowID:           "slow",
		release:          make(chan struct{}),
		started:          make(chan struct{}, 1),
	}
	svc := newService(repo)
	ctx := context.Background()

	docs := make(chan *crdt.Doc, 2)
	for i := 0; i < 2; i++ {
		go func() {
			d, err := svc.Document(ctx, protocol.CollabDocument, "slow")
			assert.NoError(t, err)
			docs <- d
		}()
	}
	<-repo.started

	fast, err := svc.Document(ctx, protocol.CollabDocument, "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", fast.GUID())

	close(repo.release)
	a, b := <-docs, <-docs
	assert.Same(t, a, b)
	assert.EqualValues(t, 1, repo.gets.Load())
}

func TestDocumentIsSharedAcrossOpens(t *testing.T) {
	svc := newService(newMockSnapshotRepo())
	ctx := context.Background()

	a, err := svc.Document(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	b, err := svc.Document(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	aw, err := svc.Awareness(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, a.ClientID(), aw.ClientID())
}

func TestPersistWritesOnlyChangedReplicas(t *testing.T) {
	repo := newMockSnapshotRepo()
	svc := newService(repo)
	ctx := context.Background()

	doc, err := svc.Document(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	_, err = svc.Document(ctx, protocol.CollabDocument, "untouched")
	require.NoError(t, err)

	writeText(t, doc, "hello")
	require.NoError(t, svc.Persist(ctx))
	assert.Equal(t, 1, repo.saveCount())

	require.NoError(t, svc.Persist(ctx))
	assert.Equal(t, 1, repo.saveCount())

	writeText(t, doc, " world")
	require.NoError(t, svc.Persist(ctx))
	assert.Equal(t, 2, repo.saveCount())

	snap, err := repo.Get(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.StateSummary(), snap.StateSummary)
	assert.Len(t, snap.ContentHash, 64)
}

func TestReplicaReloadsFromSnapshot(t *testing.T) {
	repo := newMockSnapshotRepo()
	ctx := context.Background()

	first := newService(repo)
	doc, err := first.Document(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	writeText(t, doc, "persisted")
	require.NoError(t, first.Persist(ctx))

	second := newService(repo)
	reloaded, err := second.Document(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", reloaded.Seq("text").String())

	// nothing new since the load
	require.NoError(t, second.Persist(ctx))
	assert.Equal(t, 1, repo.saveCount())
}

func TestCorruptSnapshotIsRejected(t *testing.T) {
	repo := newMockSnapshotRepo()
	ctx := context.Background()

	doc := crdt.NewDoc("doc-1")
	writeText(t, doc, "content")
	require.NoError(t, repo.Save(ctx, &domain.Snapshot{
		CollabType:  protocol.CollabDocument,
		DocumentID:  "doc-1",
		State:       doc.EncodeStateAsUpdate(),
		ContentHash: "0000",
	}))

	_, err := newService(repo).Document(ctx, protocol.CollabDocument, "doc-1")
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	repo := newMockSnapshotRepo()
	svc := NewDocumentService(repo, Options{PersistInterval: time.Hour, Logger: zerolog.Nop()})
	doc, err := svc.Document(context.Background(), protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	writeText(t, doc, "x")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.Equal(t, 1, repo.saveCount())
}

func TestBridgeConvergesInstances(t *testing.T) {
	bus := relay.NewMemoryBus()
	defer bus.Close()
	repo := newMockSnapshotRepo()
	ctx := context.Background()

	a := NewDocumentService(repo, Options{Bus: bus, Logger: zerolog.Nop()})
	docA, err := a.Document(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)
	writeText(t, docA, "from a ")

	b := NewDocumentService(repo, Options{Bus: bus, Logger: zerolog.Nop()})
	docB, err := b.Document(ctx, protocol.CollabDocument, "doc-1")
	require.NoError(t, err)

	// b's summary is answered by a with the missing text
	require.Eventually(t, func() bool {
		return docB.Seq("text").String() == "from a "
	}, 2*time.Second, 10*time.Millisecond)

	writeText(t, docB, "from b")
	require.Eventually(t, func() bool {
		return docA.Seq("text").String() == "from a from b"
	}, 2*time.Second, 10*time.Millisecond)

	a.closeBridges()
	b.closeBridges()
}

func TestDatabaseViewLifecycle(t *testing.T) {
	svc := NewDocumentService(newMockSnapshotRepo(), Options{
		Policy: calculation.Policy{CheckboxUncheckedIsEmpty: true},
		Logger: zerolog.Nop(),
	})
	ctx := context.Background()

	created, err := svc.CreateDatabase(ctx, "db-1")
	require.NoError(t, err)
	_, err = svc.CreateDatabase(ctx, "db-1")
	assert.ErrorIs(t, err, ErrDatabaseExists)

	db, err := svc.Database(ctx, "db-1")
	require.NoError(t, err)
	fields := db.Fields()
	require.Len(t, fields, 3)
	name, done := fields[0], fields[2]
	require.Equal(t, database.FieldCheckbox, done.Type)

	snap, err := svc.View(ctx, "db-1", created.ViewID)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 3)

	rows := []string{snap.Rows[0].ID, snap.Rows[1].ID, snap.Rows[2].ID}
	for i, label := range []string{"alpha", "beta", "gamma"} {
		data := label
		require.NoError(t, svc.UpdateCell(ctx, "db-1", rows[i], name.ID, &domain.UpdateCellRequest{Data: &data}))
	}
	yes := "Yes"
	require.NoError(t, svc.UpdateCell(ctx, "db-1", rows[1], done.ID, &domain.UpdateCellRequest{Data: &yes}))

	count := int(calculation.CountNonEmpty)
	_, err = svc.InsertCalculation(ctx, "db-1", created.ViewID, &domain.InsertCalculationRequest{FieldID: done.ID, Type: &count})
	require.NoError(t, err)

	snap, err = svc.View(ctx, "db-1", created.ViewID)
	require.NoError(t, err)
	assert.Equal(t, "1", snap.Calculations[done.ID])

	contains := int(filter.TextContains)
	f, err := svc.InsertFilter(ctx, "db-1", created.ViewID, &domain.InsertFilterRequest{FieldID: name.ID, Condition: &contains, Content: "a"})
	require.NoError(t, err)
	snap, err = svc.View(ctx, "db-1", created.ViewID)
	require.NoError(t, err)
	assert.Len(t, snap.Rows, 3)

	is := int(filter.TextIs)
	require.NoError(t, svc.UpdateFilter(ctx, "db-1", created.ViewID, f.ID, &domain.UpdateFilterRequest{Condition: &is, Content: "beta"}))
	snap, err = svc.View(ctx, "db-1", created.ViewID)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, rows[1], snap.Rows[0].ID)

	require.NoError(t, svc.DeleteFilter(ctx, "db-1", created.ViewID, f.ID))
	srt, err := svc.InsertSort(ctx, "db-1", created.ViewID, &domain.InsertSortRequest{FieldID: name.ID, Condition: "desc"})
	require.NoError(t, err)
	snap, err = svc.View(ctx, "db-1", created.ViewID)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 3)
	assert.Equal(t, "gamma", snap.Rows[0].Cells[name.ID])
	require.NoError(t, svc.DeleteSort(ctx, "db-1", created.ViewID, srt.ID))
}

func TestDatabaseMutationValidation(t *testing.T) {
	svc := newService(newMockSnapshotRepo())
	ctx := context.Background()
	created, err := svc.CreateDatabase(ctx, "db-1")
	require.NoError(t, err)
	db, err := svc.Database(ctx, "db-1")
	require.NoError(t, err)
	done := db.Fields()[2]

	bad := 42
	_, err = svc.InsertFilter(ctx, "db-1", created.ViewID, &domain.InsertFilterRequest{FieldID: done.ID, Condition: &bad})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	zero := 0
	_, err = svc.InsertFilter(ctx, "db-1", created.ViewID, &domain.InsertFilterRequest{FieldID: "missing", Condition: &zero})
	assert.True(t, IsNotFound(err))

	_, err = svc.View(ctx, "db-1", "no-such-view")
	assert.True(t, IsNotFound(err))

	data := "x"
	err = svc.UpdateCell(ctx, "db-1", "no-such-row", done.ID, &domain.UpdateCellRequest{Data: &data})
	assert.True(t, IsNotFound(err))

	_, err = svc.InsertCalculation(ctx, "db-1", created.ViewID, &domain.InsertCalculationRequest{FieldID: done.ID, Type: &bad})
	assert.ErrorAs(t, err, &verr)
}

func TestCreateRowPersistsRowReplica(t *testing.T) {
	repo := newMockSnapshotRepo()
	svc := newService(repo)
	ctx := context.Background()
	created, err := svc.CreateDatabase(ctx, "db-1")
	require.NoError(t, err)
	db, err := svc.Database(ctx, "db-1")
	require.NoError(t, err)
	name := db.Fields()[0]

	zero := 0
	rowID, err := svc.CreateRow(ctx, "db-1", &domain.CreateRowRequest{Cells: map[string]string{name.ID: "first"}, Index: &zero})
	require.NoError(t, err)

	snap, err := svc.View(ctx, "db-1", created.ViewID)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 4)
	assert.Equal(t, rowID, snap.Rows[0].ID)
	assert.Equal(t, "first", snap.Rows[0].Cells[name.ID])

	require.NoError(t, svc.Persist(ctx))
	_, err = repo.Get(ctx, protocol.CollabRow, rowID)
	assert.NoError(t, err)

	require.NoError(t, svc.ClearCell(ctx, "db-1", rowID, name.ID))
	require.NoError(t, svc.DeleteRow(ctx, "db-1", rowID))
	snap, err = svc.View(ctx, "db-1", created.ViewID)
	require.NoError(t, err)
	assert.Len(t, snap.Rows, 3)
}
