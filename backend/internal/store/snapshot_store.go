package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"causalText/backend/internal/crdt"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

const createSnapshotTable = `CREATE TABLE IF NOT EXISTS document_snapshots (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	document_id VARCHAR(64) NOT NULL,
	replica_id BIGINT UNSIGNED NOT NULL,
	version_json VARCHAR(2048) NOT NULL,
	content LONGTEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE KEY uk_doc_replica_version (document_id, replica_id, version_json(255))
)`

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createSnapshotTable)
	return err
}

// SaveDocumentSnapshot 同一副本同一版本向量只保存一次
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, replica uint64, version crdt.Global, content string) error {
	versionJSON, err := json.Marshal(version)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, replica_id, version_json, content)
		VALUES (?, ?, ?, ?)`,
		docID,
		replica,
		string(versionJSON),
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
