// internal/storage/collection_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

// ErrCollectionNotFound is returned by Load and Delete for unknown unit ids.
var ErrCollectionNotFound = errors.New("breakdown collection not found")

// 支持的存储后端
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// CollectionStore persists breakdown collections keyed by unit id. Saving an
// existing unit id replaces it.
type CollectionStore interface {
	Save(ctx context.Context, col *models.BreakdownCollection) error
	Load(ctx context.Context, unitID string) (*models.BreakdownCollection, error)
	List(ctx context.Context) ([]models.CollectionSummary, error)
	Delete(ctx context.Context, unitID string) error
	Close() error
}

// OpenCollectionStore opens the configured backend under dataDir.
func OpenCollectionStore(backend, dataDir string, logger *utils.Logger) (CollectionStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileCollectionStore(filepath.Join(dataDir, "breakdowns"), logger)
	case BackendSQLite:
		return OpenSQLiteCollectionStore(filepath.Join(dataDir, "breakdowns.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

const collectionSuffix = ".json"

// unit id 只允许安全的文件名字符
var unitIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidUnitID reports whether id can be used as a storage key.
func ValidUnitID(id string) bool {
	return unitIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// FileCollectionStore keeps one JSON file per collection.
type FileCollectionStore struct {
	files *FileStorage
}

// NewFileCollectionStore creates a store rooted at dir.
func NewFileCollectionStore(dir string, logger *utils.Logger) (*FileCollectionStore, error) {
	files, err := NewFileStorage(dir, logger)
	if err != nil {
		return nil, err
	}
	return &FileCollectionStore{files: files}, nil
}

func (s *FileCollectionStore) Save(ctx context.Context, col *models.BreakdownCollection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if col == nil || !ValidUnitID(col.UnitID) {
		return fmt.Errorf("invalid unit id %q", unitIDOf(col))
	}
	return s.files.SaveJSONFile("", col.UnitID+collectionSuffix, col)
}

func (s *FileCollectionStore) Load(ctx context.Context, unitID string) (*models.BreakdownCollection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidUnitID(unitID) {
		return nil, ErrCollectionNotFound
	}
	var col models.BreakdownCollection
	if err := s.files.LoadJSONFile("", unitID+collectionSuffix, &col); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCollectionNotFound
		}
		return nil, err
	}
	return &col, nil
}

// List returns summaries, newest first.
func (s *FileCollectionStore) List(ctx context.Context) ([]models.CollectionSummary, error) {
	names, err := s.files.ListFiles("", collectionSuffix)
	if err != nil {
		return nil, err
	}
	out := make([]models.CollectionSummary, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		col, err := s.Load(ctx, strings.TrimSuffix(name, collectionSuffix))
		if err != nil {
			// 跳过损坏或正在写入的文件
			continue
		}
		out = append(out, col.Summary())
	}
	sortSummaries(out)
	return out, nil
}

func (s *FileCollectionStore) Delete(ctx context.Context, unitID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := unitID + collectionSuffix
	if !ValidUnitID(unitID) || !s.files.FileExists("", name) {
		return ErrCollectionNotFound
	}
	if err := s.files.DeleteFile("", name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrCollectionNotFound
		}
		return err
	}
	return nil
}

func (s *FileCollectionStore) Close() error {
	return s.files.Close()
}

func sortSummaries(list []models.CollectionSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].GeneratedAt.Equal(list[j].GeneratedAt) {
			return list[i].GeneratedAt.After(list[j].GeneratedAt)
		}
		return list[i].UnitID < list[j].UnitID
	})
}

func unitIDOf(col *models.BreakdownCollection) string {
	if col == nil {
		return ""
	}
	return col.UnitID
}
