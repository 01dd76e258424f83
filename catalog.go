// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var catalogSchema = []string{
	`CREATE TABLE IF NOT EXISTS matrices (
		id TEXT PRIMARY KEY,
		study_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		dir TEXT NOT NULL,
		technology TEXT NOT NULL,
		encoding TEXT NOT NULL,
		has_dictionary BOOLEAN NOT NULL,
		sample_count INTEGER NOT NULL,
		marker_count INTEGER NOT NULL,
		chromosome_count INTEGER NOT NULL,
		parents TEXT NOT NULL,
		parent_operation TEXT NOT NULL,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL,
		created DATETIME NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		matrix_id TEXT NOT NULL,
		parent_operation TEXT NOT NULL,
		path TEXT NOT NULL,
		description TEXT NOT NULL,
		created DATETIME NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS operations_matrix ON operations (matrix_id)`,
}

// CatalogMatrix is a matrix as recorded in the catalog.
type CatalogMatrix struct {
	ID              string    `db:"id"`
	StudyID         int       `db:"study_id"`
	Name            string    `db:"name"`
	Dir             string    `db:"dir"`
	Technology      string    `db:"technology"`
	Encoding        string    `db:"encoding"`
	HasDictionary   bool      `db:"has_dictionary"`
	SampleCount     int       `db:"sample_count"`
	MarkerCount     int       `db:"marker_count"`
	ChromosomeCount int       `db:"chromosome_count"`
	Parents         string    `db:"parents"`
	ParentOperation string    `db:"parent_operation"`
	Description     string    `db:"description"`
	Checksum        string    `db:"checksum"`
	Created         time.Time `db:"created"`
}

// CatalogOperation is an operation as recorded in the catalog.
type CatalogOperation struct {
	ID              string    `db:"id"`
	RunID           string    `db:"run_id"`
	Kind            string    `db:"kind"`
	MatrixID        string    `db:"matrix_id"`
	ParentOperation string    `db:"parent_operation"`
	Path            string    `db:"path"`
	Description     string    `db:"description"`
	Created         time.Time `db:"created"`
}

// catalog records matrix and operation provenance.
type catalog interface {
	RegisterMatrix(ctx context.Context, meta MatrixMetadata, dir string) error
	RegisterOperation(ctx context.Context, hdr OperationHeader, path string) (runID string, err error)
	UpdateMatrixDescription(ctx context.Context, id, desc string) error
	Matrix(ctx context.Context, id string) (*CatalogMatrix, error)
	Operations(ctx context.Context, matrixID string) ([]CatalogOperation, error)
	Close() error
}

// openCatalog opens (creating if needed) the sqlite catalog at
// path. If path is empty, the returned catalog discards everything.
func openCatalog(path string) (catalog, error) {
	if path == "" {
		return nopCatalog{}, nil
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	for _, stmt := range catalogSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
	}
	return &sqliteCatalog{db: db}, nil
}

type sqliteCatalog struct {
	db *sqlx.DB
}

func (cat *sqliteCatalog) RegisterMatrix(ctx context.Context, meta MatrixMetadata, dir string) error {
	_, err := cat.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO matrices
		(id, study_id, name, dir, technology, encoding, has_dictionary, sample_count, marker_count, chromosome_count, parents, parent_operation, description, checksum, created)
		VALUES (:id, :study_id, :name, :dir, :technology, :encoding, :has_dictionary, :sample_count, :marker_count, :chromosome_count, :parents, :parent_operation, :description, :checksum, :created)`,
		CatalogMatrix{
			ID:              meta.ID,
			StudyID:         meta.StudyID,
			Name:            meta.Name,
			Dir:             dir,
			Technology:      meta.Technology,
			Encoding:        meta.Encoding.String(),
			HasDictionary:   meta.HasDictionary,
			SampleCount:     meta.SampleCount,
			MarkerCount:     meta.MarkerCount,
			ChromosomeCount: meta.ChromosomeCount,
			Parents:         strings.Join(meta.ParentMatrixIDs, ","),
			ParentOperation: meta.ParentOperation,
			Description:     meta.Description,
			Checksum:        meta.Checksum,
			Created:         meta.Created,
		})
	if err != nil {
		return fmt.Errorf("register matrix %s: %w", meta.ID, err)
	}
	return nil
}

func (cat *sqliteCatalog) RegisterOperation(ctx context.Context, hdr OperationHeader, path string) (string, error) {
	runID := uuid.New().String()
	_, err := cat.db.NamedExecContext(ctx, `INSERT INTO operations
		(id, run_id, kind, matrix_id, parent_operation, path, description, created)
		VALUES (:id, :run_id, :kind, :matrix_id, :parent_operation, :path, :description, :created)`,
		CatalogOperation{
			ID:              hdr.ID,
			RunID:           runID,
			Kind:            string(hdr.Kind),
			MatrixID:        hdr.MatrixID,
			ParentOperation: hdr.ParentOperation,
			Path:            path,
			Description:     hdr.Description,
			Created:         hdr.Created,
		})
	if err != nil {
		return "", fmt.Errorf("register operation %s: %w", hdr.ID, err)
	}
	return runID, nil
}

func (cat *sqliteCatalog) UpdateMatrixDescription(ctx context.Context, id, desc string) error {
	res, err := cat.db.ExecContext(ctx, `UPDATE matrices SET description=? WHERE id=?`, desc, id)
	if err != nil {
		return fmt.Errorf("update matrix %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update matrix %s: not found in catalog", id)
	}
	return nil
}

func (cat *sqliteCatalog) Matrix(ctx context.Context, id string) (*CatalogMatrix, error) {
	var m CatalogMatrix
	err := cat.db.GetContext(ctx, &m, `SELECT * FROM matrices WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("matrix %s: not found in catalog", id)
	} else if err != nil {
		return nil, fmt.Errorf("matrix %s: %w", id, err)
	}
	return &m, nil
}

func (cat *sqliteCatalog) Operations(ctx context.Context, matrixID string) ([]CatalogOperation, error) {
	var ops []CatalogOperation
	err := cat.db.SelectContext(ctx, &ops, `SELECT * FROM operations WHERE matrix_id=? ORDER BY created, id`, matrixID)
	if err != nil {
		return nil, fmt.Errorf("operations for matrix %s: %w", matrixID, err)
	}
	return ops, nil
}

func (cat *sqliteCatalog) Close() error {
	return cat.db.Close()
}

type nopCatalog struct{}

func (nopCatalog) RegisterMatrix(context.Context, MatrixMetadata, string) error { return nil }
func (nopCatalog) RegisterOperation(context.Context, OperationHeader, string) (string, error) {
	return uuid.New().String(), nil
}
func (nopCatalog) UpdateMatrixDescription(context.Context, string, string) error { return nil }
func (nopCatalog) Matrix(_ context.Context, id string) (*CatalogMatrix, error) {
	return nil, fmt.Errorf("matrix %s: no catalog configured", id)
}
func (nopCatalog) Operations(context.Context, string) ([]CatalogOperation, error) { return nil, nil }
func (nopCatalog) Close() error { return nil }
