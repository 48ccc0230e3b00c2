package catalog

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertProcessorConfig inserts or replaces a processor's filter/policy
// binding. The catalog persists whatever it is given: the control API
// handler checks the struct's required fields before calling this, and
// nothing on this path checks depends_on for unknown names or cycles.
func (s *Store) UpsertProcessorConfig(cfg ProcessorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configValue, err := cfg.Config.Value()
	if err != nil {
		return fmt.Errorf("failed to marshal config for processor %q: %w", cfg.Name, err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO processor_config (
			name, implementation, input_extensions, input_tags, output_ext,
			depends_on, is_enabled, allow_user_selection, allow_derived_files, config
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			implementation = $2, input_extensions = $3, input_tags = $4, output_ext = $5,
			depends_on = $6, is_enabled = $7, allow_user_selection = $8, allow_derived_files = $9, config = $10
	`,
		cfg.Name, cfg.Implementation, cfg.InputExtensions, cfg.InputTags, cfg.OutputExt,
		cfg.DependsOn, cfg.IsEnabled, cfg.AllowUserSelection, cfg.AllowDerivedFiles, configValue,
	); err != nil {
		return fmt.Errorf("failed to upsert processor config %q: %w", cfg.Name, err)
	}

	return nil
}

func (s *Store) GetProcessorConfig(name string) (*ProcessorConfig, error) {
	var cfg ProcessorConfig
	if err := s.db.Get(&cfg, `SELECT * FROM processor_config WHERE name = $1`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get processor config %q: %w", name, err)
	}

	return &cfg, nil
}

func (s *Store) ListProcessorConfigs() ([]*ProcessorConfig, error) {
	var cfgs []*ProcessorConfig
	if err := s.db.Select(&cfgs, `SELECT * FROM processor_config ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list processor configs: %w", err)
	}

	return cfgs, nil
}

func (s *Store) DeleteProcessorConfig(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM processor_config WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete processor config %q: %w", name, err)
	}

	return nil
}
