// To handle all database interactions. This is our
// data access layer, keeping SQL queries separate from business logic.

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vrsandeep/mango-archiver/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store provides all functions to interact with the database.
type Store struct {
	db *sql.DB
}

// New creates a new Store instance.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveManga inserts or replaces the descriptor of a manga, chapters included.
func (s *Store) SaveManga(m *models.Manga) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manga %d: %w", m.ID, err)
	}
	query := `
		INSERT INTO manga (id, source, title, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			title = excluded.title,
			data = excluded.data,
			updated_at = excluded.updated_at;
	`
	_, err = s.db.Exec(query, m.ID, m.Source, m.Title, string(data), time.Now().UTC())
	return err
}

// GetManga returns a stored manga descriptor.
func (s *Store) GetManga(id int64) (*models.Manga, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM manga WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manga %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var m models.Manga
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to decode manga %d: %w", id, err)
	}
	return &m, nil
}

// SetCurrentChapter records the chapter the user is reading in a manga.
func (s *Store) SetCurrentChapter(mangaID, chapterID int64) error {
	query := `
		INSERT INTO reading_history (manga_id, chapter_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(manga_id) DO UPDATE SET
			chapter_id = excluded.chapter_id,
			updated_at = excluded.updated_at;
	`
	_, err := s.db.Exec(query, mangaID, chapterID, time.Now().UTC())
	return err
}

// GetCurrentChapters returns the current chapter of every manga with
// reading history, keyed by manga id.
func (s *Store) GetCurrentChapters() (map[int64]int64, error) {
	rows, err := s.db.Query("SELECT manga_id, chapter_id FROM reading_history")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	current := make(map[int64]int64)
	for rows.Next() {
		var mangaID, chapterID int64
		if err := rows.Scan(&mangaID, &chapterID); err != nil {
			return nil, err
		}
		current[mangaID] = chapterID
	}
	return current, rows.Err()
}
