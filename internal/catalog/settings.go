package catalog

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetSetting returns the value for key, or ErrNotFound if unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	if err := s.db.Get(&value, `SELECT value FROM setting WHERE key = $1`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get setting %q: %w", key, err)
	}

	return value, nil
}

// SetSetting upserts key to value.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO setting (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2
	`, key, value); err != nil {
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}

	return nil
}

// GetQueueMode reads the global queue_mode setting, defaulting to auto if it
// has never been set.
func (s *Store) GetQueueMode() (QueueMode, error) {
	value, err := s.GetSetting(SettingQueueMode)
	if errors.Is(err, ErrNotFound) {
		return QueueModeAuto, nil
	}
	if err != nil {
		return "", err
	}

	return QueueMode(value), nil
}

func (s *Store) SetQueueMode(mode QueueMode) error {
	return s.SetSetting(SettingQueueMode, string(mode))
}

// AddFileTag upserts a (fileId, key) tag row.
func (s *Store) AddFileTag(fileID int64, key string, value *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO file_tag (file_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (file_id, key) DO UPDATE SET value = $3
	`, fileID, key, value); err != nil {
		return fmt.Errorf("failed to add tag %q to file %d: %w", key, fileID, err)
	}

	return nil
}

func (s *Store) RemoveFileTag(fileID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM file_tag WHERE file_id = $1 AND key = $2`, fileID, key); err != nil {
		return fmt.Errorf("failed to remove tag %q from file %d: %w", key, fileID, err)
	}

	return nil
}

func (s *Store) ListFileTags(fileID int64) ([]*FileTag, error) {
	var tags []*FileTag
	if err := s.db.Select(&tags, `SELECT * FROM file_tag WHERE file_id = $1`, fileID); err != nil {
		return nil, fmt.Errorf("failed to list tags for file %d: %w", fileID, err)
	}

	return tags, nil
}

// FileTagKeys returns just the tag keys for fileID, the shape resolve.Ready
// consumes for its applicability predicate.
func (s *Store) FileTagKeys(fileID int64) (map[string]struct{}, error) {
	tags, err := s.ListFileTags(fileID)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		keys[t.Key] = struct{}{}
	}

	return keys, nil
}

func (s *Store) SetFileMetadata(fileID int64, key string, value *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO file_metadata (file_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (file_id, key) DO UPDATE SET value = $3
	`, fileID, key, value); err != nil {
		return fmt.Errorf("failed to set metadata %q on file %d: %w", key, fileID, err)
	}

	return nil
}

func (s *Store) ListFileMetadata(fileID int64) ([]*FileMetadata, error) {
	var meta []*FileMetadata
	if err := s.db.Select(&meta, `SELECT * FROM file_metadata WHERE file_id = $1`, fileID); err != nil {
		return nil, fmt.Errorf("failed to list metadata for file %d: %w", fileID, err)
	}

	return meta, nil
}
