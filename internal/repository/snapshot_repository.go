package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"collab-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

type SnapshotRepository interface {
	Get(ctx context.Context, collabType, documentID string) (*domain.Snapshot, error)
	Save(ctx context.Context, snapshot *domain.Snapshot) error
}

type snapshotRepository struct {
	client *kivik.Client
	dbName string
}

func NewSnapshotRepository(client *kivik.Client, dbName string) SnapshotRepository {
	return &snapshotRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *snapshotRepository) Get(ctx context.Context, collabType, documentID string) (*domain.Snapshot, error) {
	db := r.client.DB(r.dbName)

	row := db.Get(ctx, domain.SnapshotID(collabType, documentID))
	var snapshot domain.Snapshot
	if err := row.ScanDoc(&snapshot); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to find snapshot: %w", err)
	}

	return &snapshot, nil
}

// Save writes the snapshot, replacing the current revision when one exists.
func (r *snapshotRepository) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	db := r.client.DB(r.dbName)

	snapshot.ID = domain.SnapshotID(snapshot.CollabType, snapshot.DocumentID)
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now()
	}

	rev, err := db.GetRev(ctx, snapshot.ID)
	switch {
	case err == nil:
		snapshot.Rev = rev
	case kivik.HTTPStatus(err) == http.StatusNotFound:
		snapshot.Rev = ""
	default:
		return fmt.Errorf("failed to fetch snapshot revision: %w", err)
	}

	newRev, err := db.Put(ctx, snapshot.ID, snapshot)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	snapshot.Rev = newRev

	return nil
}
