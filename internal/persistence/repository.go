package persistence

import (
	"gridtrader/internal/models"
)

// SnapshotRepository persists paper-trading state across restarts. Loads of
// missing records return (nil, nil): absent state is a normal cold start,
// not an error.
type SnapshotRepository interface {
	SaveSnapshot(snapshot *models.PaperSnapshot) error
	LoadSnapshot(date string) (*models.PaperSnapshot, error)
	LoadLatestSnapshot() (*models.PaperSnapshot, error)
	SaveGridConfig(cfg *models.GridConfig) error
	LoadGridConfig() (*models.GridConfig, error)
	Close() error
}
