// Package library is the local book database the sync writes into. It keeps
// books, their external identifiers, and typed custom-column values in SQLite,
// and lets interested parties subscribe to column changes.
package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
)

// IdentifierAudiobookshelf is the identifier type a linked book carries.
const IdentifierAudiobookshelf = "audiobookshelf_id"

// ChangeEvent describes one column value change on one book.
type ChangeEvent struct {
	BookID uint
	Column string
	Value  interface{}
}

// Listener receives column change events. Listeners run synchronously on the
// writing goroutine and must not call back into the store's write methods.
type Listener func(ChangeEvent)

// Store wraps the SQLite database.
type Store struct {
	db  *gorm.DB
	log *logger.Logger

	mu        sync.RWMutex
	listeners []Listener
	muted     bool
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Book{}, &Identifier{}, &ColumnValue{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log := logger.Get()
	log.Debug("Library database opened", map[string]interface{}{
		"path": path,
	})

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Subscribe registers a listener for column change events.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Mute suppresses change events while fn runs. The sync uses this so its own
// writes do not bounce back through the writeback listener.
func (s *Store) Mute(fn func() error) error {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.muted = false
		s.mu.Unlock()
	}()
	return fn()
}

func (s *Store) emit(ev ChangeEvent) {
	s.mu.RLock()
	muted := s.muted
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	if muted {
		return
	}
	for _, l := range listeners {
		l(ev)
	}
}

// CreateBook inserts a new book and returns it.
func (s *Store) CreateBook(ctx context.Context, title string, authors string) (*Book, error) {
	book := &Book{
		UUID:    uuid.NewString(),
		Title:   title,
		Authors: authors,
	}
	if err := s.db.WithContext(ctx).Create(book).Error; err != nil {
		return nil, fmt.Errorf("failed to create book: %w", err)
	}
	return book, nil
}

// GetBook loads a book by its numeric id, with identifiers preloaded.
func (s *Store) GetBook(ctx context.Context, id uint) (*Book, error) {
	var book Book
	err := s.db.WithContext(ctx).Preload("Identifiers").First(&book, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load book %d: %w", id, err)
	}
	return &book, nil
}

// GetByUUID loads a book by its UUID, with identifiers preloaded.
func (s *Store) GetByUUID(ctx context.Context, id string) (*Book, error) {
	var book Book
	err := s.db.WithContext(ctx).Preload("Identifiers").Where("uuid = ?", id).First(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load book %s: %w", id, err)
	}
	return &book, nil
}

// AllBooks returns every book with identifiers preloaded.
func (s *Store) AllBooks(ctx context.Context) ([]Book, error) {
	var books []Book
	if err := s.db.WithContext(ctx).Preload("Identifiers").Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

// WithIdentifier returns every book that carries an identifier of the given type.
func (s *Store) WithIdentifier(ctx context.Context, identType string) ([]Book, error) {
	var books []Book
	err := s.db.WithContext(ctx).
		Joins("JOIN identifiers ON identifiers.book_id = books.id AND identifiers.type = ?", identType).
		Preload("Identifiers").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query books with identifier %s: %w", identType, err)
	}
	return books, nil
}

// MissingIdentifier returns every book that lacks an identifier of the given type.
func (s *Store) MissingIdentifier(ctx context.Context, identType string) ([]Book, error) {
	var books []Book
	err := s.db.WithContext(ctx).
		Where("id NOT IN (?)", s.db.Model(&Identifier{}).Select("book_id").Where("type = ?", identType)).
		Preload("Identifiers").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query books missing identifier %s: %w", identType, err)
	}
	return books, nil
}

// Identifier returns the value of one identifier on a book, or "" when unset.
func (s *Store) Identifier(ctx context.Context, bookID uint, identType string) (string, error) {
	var ident Identifier
	err := s.db.WithContext(ctx).
		Where("book_id = ? AND type = ?", bookID, identType).
		First(&ident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load identifier %s for book %d: %w", identType, bookID, err)
	}
	return ident.Value, nil
}

// SetIdentifier creates or updates one identifier on a book.
func (s *Store) SetIdentifier(ctx context.Context, bookID uint, identType, value string) error {
	var ident Identifier
	err := s.db.WithContext(ctx).
		Where("book_id = ? AND type = ?", bookID, identType).
		First(&ident).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		ident = Identifier{BookID: bookID, Type: identType, Value: value}
		if err := s.db.WithContext(ctx).Create(&ident).Error; err != nil {
			return fmt.Errorf("failed to create identifier %s for book %d: %w", identType, bookID, err)
		}
	case err != nil:
		return fmt.Errorf("failed to load identifier %s for book %d: %w", identType, bookID, err)
	default:
		if ident.Value == value {
			return nil
		}
		ident.Value = value
		if err := s.db.WithContext(ctx).Save(&ident).Error; err != nil {
			return fmt.Errorf("failed to update identifier %s for book %d: %w", identType, bookID, err)
		}
	}
	return nil
}

// RemoveIdentifier deletes one identifier from a book. Missing identifiers are
// not an error.
func (s *Store) RemoveIdentifier(ctx context.Context, bookID uint, identType string) error {
	err := s.db.WithContext(ctx).
		Where("book_id = ? AND type = ?", bookID, identType).
		Delete(&Identifier{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove identifier %s from book %d: %w", identType, bookID, err)
	}
	return nil
}

// FieldValue returns the current value of one column on a book. The bool
// reports whether the column has a stored value at all.
func (s *Store) FieldValue(ctx context.Context, bookID uint, column string) (interface{}, bool, error) {
	var cv ColumnValue
	err := s.db.WithContext(ctx).
		Where("book_id = ? AND `column` = ?", bookID, column).
		First(&cv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load column %s for book %d: %w", column, bookID, err)
	}
	return decodeValue(cv), true, nil
}

// SetFields stores column values on a book and emits a change event per
// column. A nil value clears the column.
func (s *Store) SetFields(ctx context.Context, bookID uint, values map[string]interface{}) error {
	for column, value := range values {
		if value == nil {
			if err := s.clearColumn(ctx, bookID, column); err != nil {
				return err
			}
			s.emit(ChangeEvent{BookID: bookID, Column: column, Value: nil})
			continue
		}

		cv := ColumnValue{BookID: bookID, Column: column}
		if !encodeValue(&cv, value) {
			return fmt.Errorf("unsupported value type %T for column %s", value, column)
		}

		var existing ColumnValue
		err := s.db.WithContext(ctx).
			Where("book_id = ? AND `column` = ?", bookID, column).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := s.db.WithContext(ctx).Create(&cv).Error; err != nil {
				return fmt.Errorf("failed to store column %s for book %d: %w", column, bookID, err)
			}
		case err != nil:
			return fmt.Errorf("failed to load column %s for book %d: %w", column, bookID, err)
		default:
			cv.ID = existing.ID
			if err := s.db.WithContext(ctx).Save(&cv).Error; err != nil {
				return fmt.Errorf("failed to update column %s for book %d: %w", column, bookID, err)
			}
		}

		s.emit(ChangeEvent{BookID: bookID, Column: column, Value: value})
	}
	return nil
}

func (s *Store) clearColumn(ctx context.Context, bookID uint, column string) error {
	err := s.db.WithContext(ctx).
		Where("book_id = ? AND `column` = ?", bookID, column).
		Delete(&ColumnValue{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear column %s for book %d: %w", column, bookID, err)
	}
	return nil
}

// ClearColumns removes the given columns from a book without emitting events.
// The unlink path uses this to wipe synced values.
func (s *Store) ClearColumns(ctx context.Context, bookID uint, cols []string) error {
	for _, column := range cols {
		if err := s.clearColumn(ctx, bookID, column); err != nil {
			return err
		}
	}
	return nil
}
