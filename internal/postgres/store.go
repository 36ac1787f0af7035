package postgres

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/reelworks/reel/internal/domain"
)

// Store implements the engine's persistence boundary plus the read paths
// the HTTP layer and the reaper need.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// decodeLogs parses a persisted logs blob. Malformed JSON decodes to an
// empty log with a warn — corrupt rows must never crash the pipeline.
func decodeLogs(runID uuid.UUID, raw []byte) []domain.LogEntry {
	if len(raw) == 0 {
		return nil
	}
	var logs []domain.LogEntry
	if err := json.Unmarshal(raw, &logs); err != nil {
		slog.Warn("postgres: corrupt logs blob, treating as empty", "run_id", runID, "error", err)
		return nil
	}
	return logs
}

func decodeArtifacts(runID uuid.UUID, raw []byte) map[string]string {
	artifacts := make(map[string]string)
	if len(raw) == 0 {
		return artifacts
	}
	if err := json.Unmarshal(raw, &artifacts); err != nil {
		slog.Warn("postgres: corrupt artifacts blob, treating as empty", "run_id", runID, "error", err)
		return make(map[string]string)
	}
	return artifacts
}

func decodeResume(runID uuid.UUID, raw []byte) domain.ResumeState {
	var rs domain.ResumeState
	if len(raw) == 0 {
		return rs
	}
	if err := json.Unmarshal(raw, &rs); err != nil {
		slog.Warn("postgres: corrupt resume state blob, treating as empty", "run_id", runID, "error", err)
		return domain.ResumeState{}
	}
	return rs
}

func encodeJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable for unmarshalable values, which the domain types
		// are not.
		slog.Error("postgres: encode json failed", "error", err)
		return []byte("null")
	}
	return data
}
