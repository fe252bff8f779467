package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DocumentStatus tracks a document through an analysis run.
// Valid values: uploaded, processing, completed, failed.
type DocumentStatus string

const (
	DocUploaded   DocumentStatus = "uploaded"
	DocProcessing DocumentStatus = "processing"
	DocCompleted  DocumentStatus = "completed"
	DocFailed     DocumentStatus = "failed"
)

// Document is the persisted entity handlers check before acting. A crashed
// worker leads to redelivery, so handlers re-read status instead of assuming
// a fresh row.
type Document struct {
	ID           string
	Filename     string
	Status       DocumentStatus
	Jurisdiction *string
	PageCount    *int
	ErrorMsg     *string
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

// Analysis holds structured findings produced by one analysis kind for one
// document.
type Analysis struct {
	ID           string
	DocumentID   string
	Kind         string // detection, india, us, crossborder, comprehensive
	FindingsJSON string
	CreatedAt    time.Time
}

// Schema creates the tables used by SQLDocumentStore. Applied by tests and
// by cmd binaries on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    id            VARCHAR(64) PRIMARY KEY,
    filename      VARCHAR(255) NOT NULL,
    status        VARCHAR(32)  NOT NULL,
    jurisdiction  VARCHAR(64)  NULL,
    page_count    INTEGER      NULL,
    error_msg     TEXT         NULL,
    created_at    DATETIME     NOT NULL,
    updated_at    DATETIME     NULL
);
CREATE TABLE IF NOT EXISTS analyses (
    id            VARCHAR(64) PRIMARY KEY,
    document_id   VARCHAR(64) NOT NULL,
    kind          VARCHAR(32) NOT NULL,
    findings_json TEXT        NOT NULL,
    created_at    DATETIME    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_document ON analyses (document_id, kind);
`

// DocumentStore abstracts persistence for documents and their analyses.
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, jurisdiction string, pageCount int) error
	MarkDocFailed(ctx context.Context, id string, errMsg string) error
	SaveAnalysis(ctx context.Context, a Analysis) error
	GetAnalysis(ctx context.Context, documentID, kind string) (*Analysis, error)
}

// SQLDocumentStore is a reference implementation backed by a relational DB
// (SQLite/Postgres/MySQL).
type SQLDocumentStore struct {
	db *sql.DB
}

func NewSQLDocumentStore(db *sql.DB) *SQLDocumentStore {
	return &SQLDocumentStore{db: db}
}

func (s *SQLDocumentStore) InsertDocument(ctx context.Context, doc Document) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if doc.Status == "" {
		doc.Status = DocUploaded
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO documents (id, filename, status, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, doc.ID, doc.Filename, string(doc.Status), doc.CreatedAt)
	if err != nil {
		// attempt Postgres style
		queryPg := `INSERT INTO documents (id, filename, status, created_at) VALUES ($1, $2, $3, $4)`
		_, err2 := s.db.ExecContext(ctx, queryPg, doc.ID, doc.Filename, string(doc.Status), doc.CreatedAt)
		return err2
	}
	return nil
}

func (s *SQLDocumentStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, filename, status, jurisdiction, page_count, error_msg, created_at, updated_at FROM documents WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		// retry with postgres placeholders if needed
		qpg := `SELECT id, filename, status, jurisdiction, page_count, error_msg, created_at, updated_at FROM documents WHERE id = $1`
		doc, err2 := scanDocument(s.db.QueryRowContext(ctx, qpg, id))
		if errors.Is(err2, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return doc, err2
	}
	return doc, nil
}

func scanDocument(row *sql.Row) (*Document, error) {
	doc := Document{}
	var status string
	var jurisdiction, errorMsg sql.NullString
	var pageCount sql.NullInt64
	var updatedAt sql.NullTime
	if err := row.Scan(&doc.ID, &doc.Filename, &status, &jurisdiction, &pageCount, &errorMsg, &doc.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	if jurisdiction.Valid {
		v := jurisdiction.String
		doc.Jurisdiction = &v
	}
	if pageCount.Valid {
		n := int(pageCount.Int64)
		doc.PageCount = &n
	}
	if errorMsg.Valid {
		v := errorMsg.String
		doc.ErrorMsg = &v
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		doc.UpdatedAt = &t
	}
	return &doc, nil
}

func (s *SQLDocumentStore) MarkProcessing(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, DocProcessing, nil)
}

func (s *SQLDocumentStore) MarkCompleted(ctx context.Context, id string, jurisdiction string, pageCount int) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	q := `UPDATE documents SET status = ?, jurisdiction = ?, page_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, string(DocCompleted), jurisdiction, pageCount, id)
	if err != nil {
		qpg := `UPDATE documents SET status = $1, jurisdiction = $2, page_count = $3, updated_at = NOW() WHERE id = $4`
		_, err2 := s.db.ExecContext(ctx, qpg, string(DocCompleted), jurisdiction, pageCount, id)
		return err2
	}
	return nil
}

func (s *SQLDocumentStore) MarkDocFailed(ctx context.Context, id string, errMsg string) error {
	return s.setStatus(ctx, id, DocFailed, &errMsg)
}

func (s *SQLDocumentStore) setStatus(ctx context.Context, id string, status DocumentStatus, errMsg *string) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	q := `UPDATE documents SET status = ?, error_msg = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, string(status), errMsg, id)
	if err != nil {
		qpg := `UPDATE documents SET status = $1, error_msg = $2, updated_at = NOW() WHERE id = $3`
		_, err2 := s.db.ExecContext(ctx, qpg, string(status), errMsg, id)
		return err2
	}
	return nil
}

func (s *SQLDocumentStore) SaveAnalysis(ctx context.Context, a Analysis) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO analyses (id, document_id, kind, findings_json, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, a.ID, a.DocumentID, a.Kind, a.FindingsJSON, a.CreatedAt)
	if err != nil {
		qpg := `INSERT INTO analyses (id, document_id, kind, findings_json, created_at) VALUES ($1, $2, $3, $4, $5)`
		_, err2 := s.db.ExecContext(ctx, qpg, a.ID, a.DocumentID, a.Kind, a.FindingsJSON, a.CreatedAt)
		return err2
	}
	return nil
}

func (s *SQLDocumentStore) GetAnalysis(ctx context.Context, documentID, kind string) (*Analysis, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, document_id, kind, findings_json, created_at FROM analyses WHERE document_id = ? AND kind = ? ORDER BY created_at DESC LIMIT 1`
	a := Analysis{}
	err := s.db.QueryRowContext(ctx, q, documentID, kind).Scan(&a.ID, &a.DocumentID, &a.Kind, &a.FindingsJSON, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		qpg := `SELECT id, document_id, kind, findings_json, created_at FROM analyses WHERE document_id = $1 AND kind = $2 ORDER BY created_at DESC LIMIT 1`
		err2 := s.db.QueryRowContext(ctx, qpg, documentID, kind).Scan(&a.ID, &a.DocumentID, &a.Kind, &a.FindingsJSON, &a.CreatedAt)
		if errors.Is(err2, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err2 != nil {
			return nil, err2
		}
	}
	return &a, nil
}
