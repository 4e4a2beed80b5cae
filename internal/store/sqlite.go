package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/waypost/engine/pkg/api"
)

// SQLiteStore is a DefinitionStore over a single SQLite file. Definitions
// are authored out-of-band and read heavily at runtime, so the schema is
// optimized for block-at-a-time reads
type SQLiteStore struct {
	db *sql.DB
}

const definitionSchema = `
CREATE TABLE IF NOT EXISTS workflows (
    wid          TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    active       INTEGER NOT NULL DEFAULT 1,
    start_block  TEXT NOT NULL,
    functions    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS blocks (
    wid           TEXT NOT NULL,
    id            TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    is_start      INTEGER NOT NULL DEFAULT 0,
    script_lang   TEXT NOT NULL DEFAULT '',
    script_source TEXT NOT NULL DEFAULT '',
    elements      TEXT NOT NULL DEFAULT '[]',
    exits         TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (wid, id),
    FOREIGN KEY (wid) REFERENCES workflows(wid) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_blocks_description
    ON blocks(wid, description);
`

// NewSQLiteStore opens (or creates) the definition database at path and
// ensures the schema exists
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open definition store: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(definitionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init definition schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetWorkflow(
	ctx context.Context, wid api.WorkflowID,
) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT wid, display_name, active, start_block, functions
        FROM workflows WHERE wid = ?`, wid,
	)
	res := &api.Workflow{}
	var active int
	err := row.Scan(
		&res.ID, &res.DisplayName, &active, &res.StartBlock, &res.Functions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, err
	}
	res.Active = active != 0
	return res, nil
}

func (s *SQLiteStore) GetFirstBlock(
	ctx context.Context, wid api.WorkflowID,
) (api.BlockID, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT start_block, active FROM workflows WHERE wid = ?", wid,
	)
	var start api.BlockID
	var active int
	err := row.Scan(&start, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, api.ErrDefinitionNotFound
	}
	if err != nil {
		return "", false, err
	}
	return start, active != 0, nil
}

func (s *SQLiteStore) GetBlockIDFromDescription(
	ctx context.Context, wid api.WorkflowID, description string,
) (api.BlockID, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id FROM blocks WHERE wid = ? AND description = ?",
		wid, description,
	)
	var id api.BlockID
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", api.ErrDefinitionNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) BuildBlock(
	ctx context.Context, wid api.WorkflowID, id api.BlockID, lang string,
) (*api.Block, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT description, is_start, script_lang, script_source,
               elements, exits
        FROM blocks WHERE wid = ? AND id = ?`, wid, id,
	)
	var (
		description, scriptLang, scriptSource string
		isStart                               int
		elementsJSON, exitsJSON               []byte
	)
	err := row.Scan(
		&description, &isStart, &scriptLang, &scriptSource,
		&elementsJSON, &exitsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, err
	}

	var defs []*ElementDef
	if err := json.Unmarshal(elementsJSON, &defs); err != nil {
		return nil, fmt.Errorf("block %s elements: %w", id, err)
	}
	var exits []*api.Exit
	if err := json.Unmarshal(exitsJSON, &exits); err != nil {
		return nil, fmt.Errorf("block %s exits: %w", id, err)
	}

	res := &api.Block{
		ID:          id,
		Description: description,
		IsStart:     isStart != 0,
		Exits:       exits,
	}
	if scriptSource != "" {
		res.Script = &api.ScriptConfig{
			Language: scriptLang,
			Source:   scriptSource,
		}
	}
	for _, d := range defs {
		res.Elements = append(res.Elements, d.Element(lang))
	}
	return res, nil
}

func (s *SQLiteStore) UpsertWorkflow(
	ctx context.Context, def *WorkflowDef,
) error {
	wf := def.Workflow
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	active := 0
	if wf.Active {
		active = 1
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO workflows (wid, display_name, active, start_block,
                               functions)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(wid) DO UPDATE SET
            display_name = excluded.display_name,
            active       = excluded.active,
            start_block  = excluded.start_block,
            functions    = excluded.functions`,
		wf.ID, wf.DisplayName, active, wf.StartBlock, wf.Functions,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM blocks WHERE wid = ?", wf.ID,
	); err != nil {
		return err
	}
	for _, b := range def.Blocks {
		elements, err := json.Marshal(b.Elements)
		if err != nil {
			return fmt.Errorf("block %s elements: %w", b.ID, err)
		}
		exits, err := json.Marshal(b.Exits)
		if err != nil {
			return fmt.Errorf("block %s exits: %w", b.ID, err)
		}
		isStart := 0
		if b.IsStart {
			isStart = 1
		}
		var scriptLang, scriptSource string
		if b.Script != nil {
			scriptLang = b.Script.Language
			scriptSource = b.Script.Source
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO blocks (wid, id, description, is_start,
                                script_lang, script_source, elements, exits)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			wf.ID, b.ID, b.Description, isStart,
			scriptLang, scriptSource, elements, exits,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
