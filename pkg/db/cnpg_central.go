/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package db

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/carverauto/assetradar/pkg/central"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

const centralTablePrefix = "central_"

var errUnknownShape = errors.New("collection has no document shape")

type shape int

const (
	shapeEntities shape = iota + 1
	shapeAdapters
	shapeFields
	shapeLabels
)

func collectionShape(name models.CollectionName) (shape, error) {
	switch name {
	case models.CollectionDevices, models.CollectionUsers:
		return shapeEntities, nil
	case models.CollectionDevicesAdapters, models.CollectionUsersAdapters:
		return shapeAdapters, nil
	case models.CollectionDevicesFields, models.CollectionUsersFields:
		return shapeFields, nil
	case models.CollectionConnectionLabels:
		return shapeLabels, nil
	default:
		return 0, fmt.Errorf("%w: %s", central.ErrUnknownCollection, name)
	}
}

// centralTables names the generations of one collection. scratch only
// exists inside a SwapBack transaction.
type centralTables struct {
	live     string
	shadow   string
	previous string
	scratch  string
}

func tablesFor(name models.CollectionName) (centralTables, error) {
	if _, err := collectionShape(name); err != nil {
		return centralTables{}, err
	}

	base := centralTablePrefix + string(name)

	return centralTables{
		live:     base,
		shadow:   base + "_shadow",
		previous: base + "_previous",
		scratch:  base + "_swap",
	}, nil
}

func ident(table string) string {
	return pgx.Identifier{table}.Sanitize()
}

// CentralBackend keeps every generation of a collection in its own table.
// Promotion renames tables inside one transaction, so readers see the old
// or the new live table and never a missing one.
type CentralBackend struct {
	pool   Pool
	logger logger.Logger
}

var _ central.Backend = (*CentralBackend)(nil)

func NewCentralBackend(pool Pool, log logger.Logger) *CentralBackend {
	return &CentralBackend{pool: pool, logger: log}
}

func (b *CentralBackend) ResetShadow(ctx context.Context, name models.CollectionName) error {
	t, err := tablesFor(name)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	batch.Queue(`DROP TABLE IF EXISTS ` + ident(t.shadow))
	batch.Queue(`CREATE TABLE ` + ident(t.shadow) + ` (
		doc_id   TEXT  NOT NULL,
		doc_key  TEXT  NOT NULL DEFAULT '',
		doc      JSONB NOT NULL
	)`)

	return wrapErr("reset shadow "+string(name), execBatch(ctx, b.pool, batch, "reset shadow"))
}

// datasetRows flattens ds into (doc_id, doc_key, doc) rows.
func datasetRows(ds *central.Dataset) ([][]any, error) {
	sh, err := collectionShape(ds.Name)
	if err != nil {
		return nil, err
	}

	var rows [][]any

	add := func(id, key string, v any) error {
		doc, err := encodeDoc(v)
		if err != nil {
			return err
		}

		rows = append(rows, []any{id, key, doc})

		return nil
	}

	switch sh {
	case shapeEntities:
		for _, e := range ds.Entities {
			if err := add(e.InternalAxonID, "", e); err != nil {
				return nil, err
			}
		}
	case shapeAdapters:
		for _, ae := range ds.Adapters {
			if err := add(ae.SourceID, ae.NativeID, ae); err != nil {
				return nil, err
			}
		}
	case shapeFields:
		for _, f := range ds.Fields {
			if err := add(f.Name, "", f); err != nil {
				return nil, err
			}
		}
	case shapeLabels:
		for _, src := range slices.Sorted(maps.Keys(ds.Labels)) {
			if err := add(src, "", ds.Labels[src]); err != nil {
				return nil, err
			}
		}
	}

	return rows, nil
}

func (b *CentralBackend) WriteShadow(ctx context.Context, ds *central.Dataset) error {
	t, err := tablesFor(ds.Name)
	if err != nil {
		return err
	}

	rows, err := datasetRows(ds)
	if err != nil {
		return err
	}

	_, err = b.pool.CopyFrom(ctx, pgx.Identifier{t.shadow}, []string{"doc_id", "doc_key", "doc"}, pgx.CopyFromRows(rows))
	if isUndefinedTable(err) {
		return fmt.Errorf("%w: %s", central.ErrNoShadow, ds.Name)
	}

	return wrapErr("write shadow "+string(ds.Name), err)
}

func (b *CentralBackend) BuildIndexes(ctx context.Context, name models.CollectionName, target central.Target) error {
	t, err := tablesFor(name)
	if err != nil {
		return err
	}

	var stmt string

	switch target {
	case central.TargetShadow:
		// index names are schema-wide and follow the table through renames
		pk := t.shadow + "_pk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		stmt = `ALTER TABLE ` + ident(t.shadow) + ` ADD CONSTRAINT ` + ident(pk) + ` PRIMARY KEY (doc_id, doc_key)`
	case central.TargetLive:
		stmt = `ANALYZE ` + ident(t.live)
	}

	_, err = b.pool.Exec(ctx, stmt)

	switch {
	case err == nil:
		return nil
	case isUndefinedTable(err) && target == central.TargetShadow:
		return fmt.Errorf("%w: %s", central.ErrNoShadow, name)
	case isUndefinedTable(err):
		return nil
	default:
		return wrapErr("build indexes "+string(name), err)
	}
}

func (b *CentralBackend) Swap(ctx context.Context, name models.CollectionName) error {
	t, err := tablesFor(name)
	if err != nil {
		return err
	}

	return b.renameTx(ctx, "swap "+string(name), central.ErrNoShadow, name,
		`DROP TABLE IF EXISTS `+ident(t.previous),
		`ALTER TABLE IF EXISTS `+ident(t.live)+` RENAME TO `+ident(t.previous),
		`ALTER TABLE `+ident(t.shadow)+` RENAME TO `+ident(t.live),
	)
}

func (b *CentralBackend) SwapBack(ctx context.Context, name models.CollectionName) error {
	t, err := tablesFor(name)
	if err != nil {
		return err
	}

	return b.renameTx(ctx, "swap back "+string(name), central.ErrNoPrevious, name,
		`ALTER TABLE `+ident(t.previous)+` RENAME TO `+ident(t.scratch),
		`ALTER TABLE IF EXISTS `+ident(t.live)+` RENAME TO `+ident(t.previous),
		`ALTER TABLE `+ident(t.scratch)+` RENAME TO `+ident(t.live),
	)
}

// renameTx runs stmts in one transaction. A missing source table maps to
// missing.
func (b *CentralBackend) renameTx(ctx context.Context, op string, missing error, name models.CollectionName, stmts ...string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return wrapErr(op, err)
	}

	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			if isUndefinedTable(err) {
				return fmt.Errorf("%w: %s", missing, name)
			}

			return wrapErr(op, err)
		}
	}

	return wrapErr(op, tx.Commit(ctx))
}

func (b *CentralBackend) Live(ctx context.Context, name models.CollectionName) (*central.Dataset, error) {
	t, err := tablesFor(name)
	if err != nil {
		return nil, err
	}

	ds := &central.Dataset{Name: name}

	rows, err := b.pool.Query(ctx, `SELECT doc_id, doc_key, doc FROM `+ident(t.live)+` ORDER BY doc_id, doc_key`)
	if isUndefinedTable(err) {
		return ds, nil
	}

	if err != nil {
		return nil, wrapErr("read live "+string(name), err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, key string
			raw     []byte
		)

		if err := rows.Scan(&id, &key, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		if err := appendDoc(ds, id, raw); err != nil {
			return nil, err
		}
	}

	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return &central.Dataset{Name: name}, nil
		}

		return nil, wrapErr("read live "+string(name), err)
	}

	return ds, nil
}

// appendDoc decodes one stored document into the member of ds matching its
// collection.
func appendDoc(ds *central.Dataset, id string, raw []byte) error {
	sh, err := collectionShape(ds.Name)
	if err != nil {
		return err
	}

	switch sh {
	case shapeEntities:
		e, err := decodeDoc[models.Entity](raw)
		if err != nil {
			return err
		}

		ds.Entities = append(ds.Entities, e)
	case shapeAdapters:
		ae, err := decodeDoc[models.AdapterEntity](raw)
		if err != nil {
			return err
		}

		ds.Adapters = append(ds.Adapters, ae)
	case shapeFields:
		f, err := decodeDoc[models.FieldDescriptor](raw)
		if err != nil {
			return err
		}

		ds.Fields = append(ds.Fields, *f)
	case shapeLabels:
		label, err := decodeDoc[string](raw)
		if err != nil {
			return err
		}

		if ds.Labels == nil {
			ds.Labels = make(map[string]string)
		}

		ds.Labels[id] = *label
	default:
		return errUnknownShape
	}

	return nil
}

func (b *CentralBackend) Entity(ctx context.Context, name models.CollectionName, id string) (*models.Entity, error) {
	t, err := tablesFor(name)
	if err != nil {
		return nil, err
	}

	var raw []byte

	err = b.pool.QueryRow(ctx, `SELECT doc FROM `+ident(t.live)+` WHERE doc_id = $1 AND doc_key = ''`, id).Scan(&raw)
	if isUndefinedTable(err) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, wrapErr("read live entity", err)
	}

	return decodeDoc[models.Entity](raw)
}

func (b *CentralBackend) AdapterEntities(ctx context.Context, name models.CollectionName, refs []models.AdapterRef) ([]*models.AdapterEntity, error) {
	t, err := tablesFor(name)
	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return []*models.AdapterEntity{}, nil
	}

	sources, natives := refArrays(refs)

	rows, err := b.pool.Query(ctx, `SELECT c.doc FROM `+ident(t.live)+` c
JOIN unnest($1::text[], $2::text[]) AS r(source_id, native_id)
  ON c.doc_id = r.source_id AND c.doc_key = r.native_id
ORDER BY c.doc_id, c.doc_key`, sources, natives)
	if isUndefinedTable(err) {
		return []*models.AdapterEntity{}, nil
	}

	if err != nil {
		return nil, wrapErr("read live adapters", err)
	}

	out, err := collectDocs[models.AdapterEntity](rows)
	if isUndefinedTable(err) {
		return []*models.AdapterEntity{}, nil
	}

	return out, wrapErr("read live adapters", err)
}

func (b *CentralBackend) LoadMeta(ctx context.Context) (*models.PromotionMeta, error) {
	var raw []byte

	err := b.pool.QueryRow(ctx, `SELECT doc FROM central_promotion_meta WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.PromotionMeta{State: models.PromotionUninitialized}, nil
	}

	if err != nil {
		return nil, wrapErr("load promotion meta", err)
	}

	return decodeDoc[models.PromotionMeta](raw)
}

func (b *CentralBackend) SaveMeta(ctx context.Context, meta *models.PromotionMeta) error {
	doc, err := encodeDoc(meta)
	if err != nil {
		return err
	}

	_, err = b.pool.Exec(ctx, `INSERT INTO central_promotion_meta (id, doc) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, doc)

	return wrapErr("save promotion meta", err)
}
