package service

import (
	"context"
	"errors"
	"fmt"

	"collab-sync-server/internal/calculation"
	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/database"
	"collab-sync-server/internal/decoder"
	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/filter"
	"collab-sync-server/internal/protocol"
	"collab-sync-server/internal/view"

	"github.com/google/uuid"
)

// Database returns the data model over a database replica. Row replicas
// are opened on demand as database_row documents.
func (s *DocumentService) Database(ctx context.Context, databaseID string) (*database.Database, error) {
	s.mu.Lock()
	db, ok := s.databases[databaseID]
	s.mu.Unlock()
	if ok {
		return db, nil
	}

	doc, err := s.Document(ctx, protocol.CollabDatabase, databaseID)
	if err != nil {
		return nil, err
	}
	db = database.New(doc,
		database.WithRowOpener(s.openRow),
		database.WithLogger(s.logger),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.databases[databaseID]; ok {
		return existing, nil
	}
	s.databases[databaseID] = db
	return db, nil
}

func (s *DocumentService) openRow(rowID string) *crdt.Doc {
	ctx, cancel := context.WithTimeout(context.Background(), bridgePublishTimeout)
	defer cancel()
	doc, err := s.Document(ctx, protocol.CollabRow, rowID)
	if err != nil {
		s.logger.Error().Err(err).Str("row_id", rowID).Msg("failed to open row replica")
		return nil
	}
	return doc
}

// CreateDatabase bootstraps a new database and returns its first view.
func (s *DocumentService) CreateDatabase(ctx context.Context, databaseID string) (*domain.CreateDatabaseResponse, error) {
	if databaseID == "" {
		databaseID = uuid.NewString()
	}
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	if len(db.ViewIDs()) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseExists, databaseID)
	}
	viewID, err := db.Bootstrap()
	if err != nil {
		return nil, err
	}
	return &domain.CreateDatabaseResponse{ID: databaseID, ViewID: viewID}, nil
}

func (s *DocumentService) view(ctx context.Context, databaseID, viewID string) (*view.View, error) {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	if _, ok := db.View(viewID); !ok {
		return nil, fmt.Errorf("%w: %s", database.ErrViewNotFound, viewID)
	}

	key := databaseID + "/" + viewID
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[key]; ok {
		return v, nil
	}
	v := view.New(db, viewID,
		view.WithPolicy(s.opts.Policy),
		view.WithCache(s.decodeCache(databaseID)),
		view.WithLogger(s.logger),
	)
	s.views[key] = v
	return v, nil
}

func (s *DocumentService) decodeCache(databaseID string) *decoder.Cache {
	c, ok := s.caches[databaseID]
	if !ok {
		c = decoder.NewCache()
		s.caches[databaseID] = c
	}
	return c
}

// View returns the filtered, sorted and aggregated rows of a view.
func (s *DocumentService) View(ctx context.Context, databaseID, viewID string) (view.Snapshot, error) {
	v, err := s.view(ctx, databaseID, viewID)
	if err != nil {
		return view.Snapshot{}, err
	}
	return v.Snapshot(), nil
}

func (s *DocumentService) field(db *database.Database, fieldID string) (database.Field, error) {
	f, ok := db.Field(fieldID)
	if !ok {
		return database.Field{}, fmt.Errorf("%w: %s", database.ErrFieldNotFound, fieldID)
	}
	return f, nil
}

func (s *DocumentService) InsertFilter(ctx context.Context, databaseID, viewID string, req *domain.InsertFilterRequest) (database.Filter, error) {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return database.Filter{}, err
	}
	f, err := s.field(db, req.FieldID)
	if err != nil {
		return database.Filter{}, err
	}
	if !filter.Valid(f.Type, *req.Condition) {
		return database.Filter{}, &ValidationError{Field: "condition", Reason: fmt.Sprintf("%d is not a %s condition", *req.Condition, f.Type)}
	}
	return db.InsertFilter(viewID, database.Filter{
		FieldID:   f.ID,
		FieldType: f.Type,
		Condition: *req.Condition,
		Content:   req.Content,
	})
}

func (s *DocumentService) UpdateFilter(ctx context.Context, databaseID, viewID, filterID string, req *domain.UpdateFilterRequest) error {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	meta, ok := db.View(viewID)
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrViewNotFound, viewID)
	}
	for _, existing := range meta.Filters {
		if existing.ID != filterID {
			continue
		}
		if !filter.Valid(existing.FieldType, *req.Condition) {
			return &ValidationError{Field: "condition", Reason: fmt.Sprintf("%d is not a %s condition", *req.Condition, existing.FieldType)}
		}
		return db.UpdateFilter(viewID, filterID, *req.Condition, req.Content)
	}
	return fmt.Errorf("filter %s not found", filterID)
}

func (s *DocumentService) DeleteFilter(ctx context.Context, databaseID, viewID, filterID string) error {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	return db.DeleteFilter(viewID, filterID)
}

func (s *DocumentService) InsertSort(ctx context.Context, databaseID, viewID string, req *domain.InsertSortRequest) (database.Sort, error) {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return database.Sort{}, err
	}
	if _, err := s.field(db, req.FieldID); err != nil {
		return database.Sort{}, err
	}
	condition := database.SortAscending
	if req.Condition == "desc" {
		condition = database.SortDescending
	}
	return db.InsertSort(viewID, database.Sort{FieldID: req.FieldID, Condition: condition})
}

func (s *DocumentService) DeleteSort(ctx context.Context, databaseID, viewID, sortID string) error {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	return db.DeleteSort(viewID, sortID)
}

func (s *DocumentService) InsertCalculation(ctx context.Context, databaseID, viewID string, req *domain.InsertCalculationRequest) (database.Calculation, error) {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return database.Calculation{}, err
	}
	if _, err := s.field(db, req.FieldID); err != nil {
		return database.Calculation{}, err
	}
	typ := calculation.Type(*req.Type)
	if !typ.Valid() {
		return database.Calculation{}, &ValidationError{Field: "type", Reason: typ.String()}
	}
	return db.InsertCalculation(viewID, database.Calculation{FieldID: req.FieldID, Type: int(typ)})
}

func (s *DocumentService) DeleteCalculation(ctx context.Context, databaseID, viewID, calculationID string) error {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	return db.DeleteCalculation(viewID, calculationID)
}

func (s *DocumentService) CreateRow(ctx context.Context, databaseID string, req *domain.CreateRowRequest) (string, error) {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return "", err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	// open first so a load failure surfaces here instead of in the opener
	if _, err := s.Document(ctx, protocol.CollabRow, id); err != nil {
		return "", err
	}
	row, err := db.CreateRow(database.RowParams{ID: id, Cells: req.Cells, Index: req.Index})
	if err != nil {
		return "", err
	}
	return row.ID(), nil
}

// attachedRow opens the row replica before a mutation. A replica that was
// never written by this database does not count as its row.
func (s *DocumentService) attachedRow(db *database.Database, rowID string) error {
	row, ok := db.Row(rowID)
	if !ok || row.DatabaseID() != db.ID() {
		return fmt.Errorf("%w: %s", database.ErrRowNotFound, rowID)
	}
	return nil
}

func (s *DocumentService) DeleteRow(ctx context.Context, databaseID, rowID string) error {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	return db.DeleteRow(rowID)
}

func (s *DocumentService) MoveRow(ctx context.Context, databaseID, viewID, rowID string, req *domain.MoveRowRequest) error {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	return db.MoveRow(viewID, rowID, *req.Index)
}

func (s *DocumentService) UpdateCell(ctx context.Context, databaseID, rowID, fieldID string, req *domain.UpdateCellRequest) error {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	if err := s.attachedRow(db, rowID); err != nil {
		return err
	}
	return db.UpdateCell(rowID, fieldID, *req.Data)
}

func (s *DocumentService) ClearCell(ctx context.Context, databaseID, rowID, fieldID string) error {
	db, err := s.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	if err := s.attachedRow(db, rowID); err != nil {
		return err
	}
	return db.ClearCell(rowID, fieldID)
}

// IsNotFound reports errors that mean a missing database entity.
func IsNotFound(err error) bool {
	return errors.Is(err, database.ErrViewNotFound) ||
		errors.Is(err, database.ErrFieldNotFound) ||
		errors.Is(err, database.ErrRowNotFound)
}
