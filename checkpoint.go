package main

import (
	"context"
	"database/sql"
	"fmt"
)

// CheckpointManager tracks how far each downstream stage has processed the
// raw layer: silver_seq is the last ingest sequence the quality gate has
// filtered, marts_seq the last sequence the gold/star stages have consumed.
type CheckpointManager struct {
	db         *sql.DB
	metaSchema string
}

// NewCheckpointManager creates a checkpoint manager.
func NewCheckpointManager(db *sql.DB, metaSchema string) *CheckpointManager {
	return &CheckpointManager{db: db, metaSchema: metaSchema}
}

// InitCheckpointTable creates the checkpoint table and its single row.
func (cm *CheckpointManager) InitCheckpointTable(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.pipeline_checkpoint (
			id         INTEGER,
			silver_seq BIGINT,
			marts_seq  BIGINT,
			updated_at TIMESTAMP
		)
	`, cm.metaSchema)
	if _, err := cm.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s.pipeline_checkpoint (id, silver_seq, marts_seq, updated_at)
		SELECT 1, 0, 0, CURRENT_TIMESTAMP
		WHERE NOT EXISTS (SELECT 1 FROM %s.pipeline_checkpoint WHERE id = 1)
	`, cm.metaSchema, cm.metaSchema)
	if _, err := cm.db.ExecContext(ctx, insertSQL); err != nil {
		return fmt.Errorf("failed to initialize checkpoint: %w", err)
	}
	return nil
}

// SilverSeq returns the last ingest sequence filtered into silver.
func (cm *CheckpointManager) SilverSeq(ctx context.Context) (int64, error) {
	return cm.load(ctx, "silver_seq")
}

// MartsSeq returns the last ingest sequence consumed by the gold and star
// stages.
func (cm *CheckpointManager) MartsSeq(ctx context.Context) (int64, error) {
	return cm.load(ctx, "marts_seq")
}

func (cm *CheckpointManager) load(ctx context.Context, column string) (int64, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.pipeline_checkpoint WHERE id = 1",
		column, cm.metaSchema)
	var seq int64
	if err := cm.db.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to load %s checkpoint: %w", column, err)
	}
	return seq, nil
}

// SaveSilverTx advances the silver watermark inside the quality gate's batch
// transaction so the filtered layer and the checkpoint commit together.
func (cm *CheckpointManager) SaveSilverTx(ctx context.Context, tx *sql.Tx, seq int64) error {
	updateSQL := fmt.Sprintf(`
		UPDATE %s.pipeline_checkpoint
		SET silver_seq = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, cm.metaSchema)
	if _, err := tx.ExecContext(ctx, updateSQL, seq); err != nil {
		return fmt.Errorf("failed to save silver checkpoint: %w", err)
	}
	return nil
}

// SaveMarts advances the marts watermark after aggregates, dimensions and
// facts have all committed for the batch.
func (cm *CheckpointManager) SaveMarts(ctx context.Context, seq int64) error {
	updateSQL := fmt.Sprintf(`
		UPDATE %s.pipeline_checkpoint
		SET marts_seq = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, cm.metaSchema)
	if _, err := cm.db.ExecContext(ctx, updateSQL, seq); err != nil {
		return fmt.Errorf("failed to save marts checkpoint: %w", err)
	}
	return nil
}
