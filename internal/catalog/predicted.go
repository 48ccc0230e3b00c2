package catalog

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertPredictedJob records (or refreshes) the forecasted cost of running
// processor against fileID, computed by the caller from
// resolve.PredictChain composed with the registry's cost estimators. Rows
// here are purely advisory cache - deleting one never affects a parse row.
func (s *Store) UpsertPredictedJob(fileID int64, processor string, estimatedCost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO predicted_job (file_id, processor_name, estimated_cost, computed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_id, processor_name) DO UPDATE SET estimated_cost = $3, computed_at = $4
	`, fileID, processor, estimatedCost, nowUnix()); err != nil {
		return fmt.Errorf("failed to upsert predicted job (%d, %s): %w", fileID, processor, err)
	}

	return nil
}

func (s *Store) GetPredictedJob(fileID int64, processor string) (*PredictedJob, error) {
	var pj PredictedJob
	if err := s.db.Get(&pj, `SELECT * FROM predicted_job WHERE file_id = $1 AND processor_name = $2`, fileID, processor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get predicted job (%d, %s): %w", fileID, processor, err)
	}

	return &pj, nil
}

func (s *Store) ListPredictedJobsForFile(fileID int64) ([]*PredictedJob, error) {
	var pjs []*PredictedJob
	if err := s.db.Select(&pjs, `SELECT * FROM predicted_job WHERE file_id = $1`, fileID); err != nil {
		return nil, fmt.Errorf("failed to list predicted jobs for file %d: %w", fileID, err)
	}

	return pjs, nil
}

// ListPredictedJobs returns the full forecast cache, used by the
// cost-summary control-API endpoint.
func (s *Store) ListPredictedJobs() ([]*PredictedJob, error) {
	var pjs []*PredictedJob
	if err := s.db.Select(&pjs, `SELECT * FROM predicted_job ORDER BY file_id, processor_name`); err != nil {
		return nil, fmt.Errorf("failed to list predicted jobs: %w", err)
	}

	return pjs, nil
}

// DeletePredictedJob removes a single cached forecast, called once a parse
// actually leaves pending_approval (the forecast is no longer a forecast).
func (s *Store) DeletePredictedJob(fileID int64, processor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM predicted_job WHERE file_id = $1 AND processor_name = $2`, fileID, processor); err != nil {
		return fmt.Errorf("failed to delete predicted job (%d, %s): %w", fileID, processor, err)
	}

	return nil
}
