package catalog

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateApprovalBatch inserts a new batch row in the pending state with the
// given forecast cost, generated by the caller from resolve.PredictChain
// composed with the registry's cost estimators.
func (s *Store) CreateApprovalBatch(estimatedCost float64) (*ApprovalBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := ApprovalBatch{
		ID:            uuid.New(),
		EstimatedCost: estimatedCost,
		Status:        BatchPending,
		CreatedAt:     nowUnix(),
	}

	if _, err := s.db.Exec(`
		INSERT INTO approval_batch (id, estimated_cost, status, created_at)
		VALUES ($1, $2, $3, $4)
	`, batch.ID, batch.EstimatedCost, batch.Status, batch.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create approval batch: %w", err)
	}

	return &batch, nil
}

func (s *Store) GetApprovalBatch(id uuid.UUID) (*ApprovalBatch, error) {
	var batch ApprovalBatch
	if err := s.db.Get(&batch, `SELECT * FROM approval_batch WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get approval batch %s: %w", id, err)
	}

	return &batch, nil
}

func (s *Store) SetApprovalBatchStatus(id uuid.UUID, status BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE approval_batch SET status = $1 WHERE id = $2`, status, id); err != nil {
		return fmt.Errorf("failed to set status of approval batch %s: %w", id, err)
	}

	return nil
}

// ListPendingApproval returns every parse row currently parked awaiting
// approval, grouped implicitly by approval_batch_id (rows with a nil batch
// have not yet been assembled into a batch by the caller).
func (s *Store) ListPendingApproval() ([]*Parse, error) {
	var parses []*Parse
	if err := s.db.Select(&parses, `SELECT * FROM parse WHERE status = $1`, StatusPendingApproval); err != nil {
		return nil, fmt.Errorf("failed to list pending-approval parses: %w", err)
	}

	return parses, nil
}

// ApproveParses atomically flips the named (file_id, processor) rows from
// pending_approval to pending, attaching them to batchID. Rows not currently
// in pending_approval are left untouched. The flipped rows are returned so
// the caller (internal/approval) can enqueue them.
func (s *Store) ApproveParses(batchID uuid.UUID, keys []ParseKey) ([]*Parse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	approved := make([]*Parse, 0, len(keys))
	for _, k := range keys {
		var p Parse
		if err := s.db.Get(&p, `
			UPDATE parse
			SET status = $1, approval_batch_id = $2, updated_at = $3
			WHERE file_id = $4 AND processor_name = $5 AND status = $6
			RETURNING file_id, processor_name, status, output_path, error, approval_batch_id, updated_at
		`, StatusPending, batchID, nowUnix(), k.FileID, k.Processor, StatusPendingApproval); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("failed to approve parse (%d, %s): %w", k.FileID, k.Processor, err)
		}

		approved = append(approved, &p)
	}

	return approved, nil
}

// ParseKey identifies a single parse row by its composite primary key.
type ParseKey struct {
	FileID    int64  `json:"file_id"`
	Processor string `json:"processor"`
}
