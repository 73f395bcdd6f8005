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
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carverauto/assetradar/pkg/identitymap"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

// querier is the read surface shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool the store and central backend use.
type Pool interface {
	querier
	batchSender
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

const (
	selectAdapterForUpdateSQL = `SELECT doc FROM adapter_entities
WHERE entity_kind = $1 AND source_id = $2 AND native_id = $3 FOR UPDATE`

	upsertAdapterSQL = `INSERT INTO adapter_entities (entity_kind, source_id, native_id, captured_at, pending_delete, doc)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (entity_kind, source_id, native_id) DO UPDATE
SET captured_at = EXCLUDED.captured_at, pending_delete = EXCLUDED.pending_delete, doc = EXCLUDED.doc
WHERE adapter_entities.captured_at <= EXCLUDED.captured_at`

	deleteAdapterKeysSQL = `DELETE FROM adapter_keys WHERE entity_kind = $1 AND source_id = $2 AND native_id = $3`

	insertAdapterKeySQL = `INSERT INTO adapter_keys (entity_kind, key_kind, key_value, domain, source_id, native_id)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`

	findByKeySQL = `SELECT k.source_id, k.native_id, k.domain, COALESCE(m.entity_id, '')
FROM adapter_keys k
LEFT JOIN entity_members m
  ON m.entity_kind = k.entity_kind AND m.source_id = k.source_id AND m.native_id = k.native_id
WHERE k.entity_kind = $1 AND k.key_kind = $2 AND k.key_value = $3
ORDER BY k.source_id, k.native_id`

	selectAdaptersByRefSQL = `SELECT a.doc FROM adapter_entities a
JOIN unnest($2::text[], $3::text[]) AS r(source_id, native_id)
  ON a.source_id = r.source_id AND a.native_id = r.native_id
WHERE a.entity_kind = $1
ORDER BY a.source_id, a.native_id`

	setPendingDeleteSQL = `UPDATE adapter_entities
SET pending_delete = $4, doc = jsonb_set(doc, '{pending_delete}', to_jsonb($4::boolean))
FROM unnest($2::text[], $3::text[]) AS r(source_id, native_id)
WHERE adapter_entities.entity_kind = $1
  AND adapter_entities.source_id = r.source_id
  AND adapter_entities.native_id = r.native_id`

	insertEntitySQL = `INSERT INTO entities (entity_kind, id, version, live, doc)
VALUES ($1, $2, $3, $4, $5) ON CONFLICT (entity_kind, id) DO NOTHING`

	updateEntitySQL = `UPDATE entities SET version = $3, live = $4, doc = $5
WHERE entity_kind = $1 AND id = $2 AND version = $6`

	upsertMemberSQL = `INSERT INTO entity_members (entity_kind, source_id, native_id, entity_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (entity_kind, source_id, native_id) DO UPDATE SET entity_id = EXCLUDED.entity_id`
)

// Store is the PostgreSQL node store.
type Store struct {
	pool   Pool
	nodeID string
	logger logger.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func NewStore(pool Pool, nodeID string, log logger.Logger) *Store {
	return &Store{
		pool:   pool,
		nodeID: nodeID,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// inTx runs fn in a transaction and maps failures onto the store taxonomy.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr(op, err)
	}

	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return wrapErr(op, err)
	}

	return wrapErr(op, tx.Commit(ctx))
}

func refArrays(refs []models.AdapterRef) (sources, natives []string) {
	sources = make([]string, len(refs))
	natives = make([]string, len(refs))

	for i, ref := range refs {
		sources[i] = ref.SourceID
		natives[i] = ref.NativeID
	}

	return sources, natives
}

func encodeDoc(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToEncode, err)
	}

	return b, nil
}

func decodeDoc[T any](b []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToDecode, err)
	}

	return out, nil
}

// collectDocs decodes the single doc column of every row.
func collectDocs[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()

	var out []*T

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		doc, err := decodeDoc[T](raw)
		if err != nil {
			return nil, err
		}

		out = append(out, doc)
	}

	return out, rows.Err()
}

// putAdapter upserts record and its correlation keys inside tx. Tags of the
// stored record are carried forward.
func putAdapter(ctx context.Context, tx pgx.Tx, record *models.AdapterEntity) (bool, error) {
	var raw []byte

	superseded := false

	err := tx.QueryRow(ctx, selectAdapterForUpdateSQL, record.Kind, record.SourceID, record.NativeID).Scan(&raw)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return false, err
	default:
		existing, err := decodeDoc[models.AdapterEntity](raw)
		if err != nil {
			return false, err
		}

		if record.CapturedAt.Before(existing.CapturedAt) {
			return false, store.ErrStaleRecord
		}

		record.Tags = models.MergeTags(existing.Tags, record.Tags)
		superseded = true
	}

	doc, err := encodeDoc(record)
	if err != nil {
		return false, err
	}

	batch := &pgx.Batch{}
	batch.Queue(upsertAdapterSQL, record.Kind, record.SourceID, record.NativeID, record.CapturedAt, record.PendingDelete, doc)
	batch.Queue(deleteAdapterKeysSQL, record.Kind, record.SourceID, record.NativeID)

	for _, k := range identitymap.BuildKeys(record) {
		batch.Queue(insertAdapterKeySQL, record.Kind, string(k.Kind), k.Value, k.Domain, record.SourceID, record.NativeID)
	}

	return superseded, execBatch(ctx, tx, batch, "put adapter entity")
}

func (s *Store) GetAdapterEntity(ctx context.Context, kind models.EntityKind, ref models.AdapterRef) (*models.AdapterEntity, error) {
	var raw []byte

	err := s.pool.QueryRow(ctx, `SELECT doc FROM adapter_entities
WHERE entity_kind = $1 AND source_id = $2 AND native_id = $3`, kind, ref.SourceID, ref.NativeID).Scan(&raw)
	if err != nil {
		return nil, wrapErr("get adapter entity", err)
	}

	return decodeDoc[models.AdapterEntity](raw)
}

func (s *Store) GetAdapterEntities(ctx context.Context, kind models.EntityKind, refs []models.AdapterRef) ([]*models.AdapterEntity, error) {
	if len(refs) == 0 {
		return []*models.AdapterEntity{}, nil
	}

	sources, natives := refArrays(refs)

	rows, err := s.pool.Query(ctx, selectAdaptersByRefSQL, kind, sources, natives)
	if err != nil {
		return nil, wrapErr("get adapter entities", err)
	}

	out, err := collectDocs[models.AdapterEntity](rows)

	return out, wrapErr("get adapter entities", err)
}

func (s *Store) ListAdapterEntities(ctx context.Context, kind models.EntityKind) ([]*models.AdapterEntity, error) {
	return listAdapters(ctx, s.pool, kind)
}

func listAdapters(ctx context.Context, q querier, kind models.EntityKind) ([]*models.AdapterEntity, error) {
	rows, err := q.Query(ctx, `SELECT doc FROM adapter_entities WHERE entity_kind = $1 ORDER BY source_id, native_id`, kind)
	if err != nil {
		return nil, wrapErr("list adapter entities", err)
	}

	out, err := collectDocs[models.AdapterEntity](rows)

	return out, wrapErr("list adapter entities", err)
}

func (s *Store) FindByKey(ctx context.Context, kind models.EntityKind, key identitymap.Key) ([]store.KeyMatch, error) {
	rows, err := s.pool.Query(ctx, findByKeySQL, kind, string(key.Kind), key.Value)
	if err != nil {
		return nil, wrapErr("find by key", err)
	}
	defer rows.Close()

	var out []store.KeyMatch

	for rows.Next() {
		var m store.KeyMatch
		if err := rows.Scan(&m.Ref.SourceID, &m.Ref.NativeID, &m.Domain, &m.EntityID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		out = append(out, m)
	}

	return out, wrapErr("find by key", rows.Err())
}

func (s *Store) UpsertAdapterTag(ctx context.Context, kind models.EntityKind, ref models.AdapterRef, tag models.Tag) (bool, error) {
	changed := false

	err := s.inTx(ctx, "upsert adapter tag", func(tx pgx.Tx) error {
		var raw []byte
		if err := tx.QueryRow(ctx, selectAdapterForUpdateSQL, kind, ref.SourceID, ref.NativeID).Scan(&raw); err != nil {
			return err
		}

		ae, err := decodeDoc[models.AdapterEntity](raw)
		if err != nil {
			return err
		}

		ae.Tags, changed = models.UpsertTag(ae.Tags, tag)
		if !changed {
			return nil
		}

		doc, err := encodeDoc(ae)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE adapter_entities SET doc = $4
WHERE entity_kind = $1 AND source_id = $2 AND native_id = $3`, kind, ref.SourceID, ref.NativeID, doc)

		return err
	})

	return changed, err
}

func (s *Store) SetPendingDelete(ctx context.Context, kind models.EntityKind, refs []models.AdapterRef, pending bool) error {
	if len(refs) == 0 {
		return nil
	}

	sources, natives := refArrays(refs)

	_, err := s.pool.Exec(ctx, setPendingDeleteSQL, kind, sources, natives, pending)

	return wrapErr("set pending delete", err)
}

func (s *Store) PurgeAdapterEntities(ctx context.Context, kind models.EntityKind, capturedBefore time.Time) ([]models.AdapterRef, error) {
	rows, err := s.pool.Query(ctx, `DELETE FROM adapter_entities
WHERE entity_kind = $1 AND captured_at < $2
RETURNING source_id, native_id`, kind, capturedBefore)
	if err != nil {
		return nil, wrapErr("purge adapter entities", err)
	}

	purged, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AdapterRef, error) {
		var ref models.AdapterRef
		err := row.Scan(&ref.SourceID, &ref.NativeID)

		return ref, err
	})
	if err != nil {
		return nil, wrapErr("purge adapter entities", err)
	}

	slices.SortFunc(purged, models.CompareRefs)

	return purged, nil
}

func (s *Store) GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	var raw []byte

	err := s.pool.QueryRow(ctx, `SELECT doc FROM entities WHERE entity_kind = $1 AND id = $2`, kind, id).Scan(&raw)
	if err != nil {
		return nil, wrapErr("get entity", err)
	}

	return decodeDoc[models.Entity](raw)
}

func (s *Store) GetEntities(ctx context.Context, kind models.EntityKind, ids []string) ([]*models.Entity, error) {
	if len(ids) == 0 {
		return []*models.Entity{}, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT doc FROM entities WHERE entity_kind = $1 AND id = ANY($2)`, kind, ids)
	if err != nil {
		return nil, wrapErr("get entities", err)
	}

	found, err := collectDocs[models.Entity](rows)
	if err != nil {
		return nil, wrapErr("get entities", err)
	}

	byID := make(map[string]*models.Entity, len(found))
	for _, e := range found {
		byID[e.InternalAxonID] = e
	}

	out := make([]*models.Entity, 0, len(found))

	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}

	return out, nil
}

func (s *Store) ListEntities(ctx context.Context, kind models.EntityKind) ([]*models.Entity, error) {
	return listEntities(ctx, s.pool, kind, true)
}

func listEntities(ctx context.Context, q querier, kind models.EntityKind, liveOnly bool) ([]*models.Entity, error) {
	sql := `SELECT doc FROM entities WHERE entity_kind = $1 ORDER BY id`
	if liveOnly {
		sql = `SELECT doc FROM entities WHERE entity_kind = $1 AND live ORDER BY id`
	}

	rows, err := q.Query(ctx, sql, kind)
	if err != nil {
		return nil, wrapErr("list entities", err)
	}

	out, err := collectDocs[models.Entity](rows)

	return out, wrapErr("list entities", err)
}

func (s *Store) EntityIDForAdapter(ctx context.Context, kind models.EntityKind, ref models.AdapterRef) (string, error) {
	var id string

	err := s.pool.QueryRow(ctx, `SELECT entity_id FROM entity_members
WHERE entity_kind = $1 AND source_id = $2 AND native_id = $3`, kind, ref.SourceID, ref.NativeID).Scan(&id)
	if err != nil {
		return "", wrapErr("entity id for adapter", err)
	}

	return id, nil
}

// CommitEntities writes entities under their expected versions in one
// transaction. Version checks happen on rows locked FOR UPDATE; a concurrent
// insert of the same new id is caught by the conditional insert.
func (s *Store) CommitEntities(ctx context.Context, kind models.EntityKind, entities []*models.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	return s.inTx(ctx, "commit entities", func(tx pgx.Tx) error {
		return commitEntities(ctx, tx, kind, entities)
	})
}

// CommitCorrelation writes record, its keys and the entity changes in one
// transaction. The record row is locked first so concurrent commits for the
// same ref serialize.
func (s *Store) CommitCorrelation(
	ctx context.Context, kind models.EntityKind, record *models.AdapterEntity, entities []*models.Entity,
) (bool, error) {
	if err := store.ValidateCommitRecord(kind, record); err != nil {
		return false, err
	}

	record = record.Clone()
	superseded := false

	err := s.inTx(ctx, "commit correlation", func(tx pgx.Tx) error {
		var err error

		if superseded, err = putAdapter(ctx, tx, record); err != nil {
			return err
		}

		if len(entities) > 0 {
			if err := commitEntities(ctx, tx, kind, entities); err != nil {
				return err
			}
		}

		var id string

		err = tx.QueryRow(ctx, `SELECT entity_id FROM entity_members
WHERE entity_kind = $1 AND source_id = $2 AND native_id = $3`, kind, record.SourceID, record.NativeID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrUnassignedRecord, record.Ref())
		}

		return err
	})
	if err != nil {
		return false, err
	}

	return superseded, nil
}

func commitEntities(ctx context.Context, tx pgx.Tx, kind models.EntityKind, entities []*models.Entity) error {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.InternalAxonID
	}

	current, err := lockedVersions(ctx, tx, kind, ids)
	if err != nil {
		return err
	}

	if stale := staleEntities(entities, current); len(stale) > 0 {
		return &store.CorrelationConflictError{Kind: kind, IDs: stale}
	}

	members := &pgx.Batch{}

	for _, e := range entities {
		stored := e.Clone()
		stored.Kind = kind
		stored.Version = e.Version + 1

		if err := writeEntity(ctx, tx, kind, stored, e.Version); err != nil {
			return err
		}

		members.Queue(`DELETE FROM entity_members WHERE entity_kind = $1 AND entity_id = $2`, kind, stored.InternalAxonID)
	}

	// assignments are written after every delete so a member moved
	// between two entities in one commit lands on the one listing it
	for _, e := range entities {
		for _, ref := range e.Members {
			members.Queue(upsertMemberSQL, kind, ref.SourceID, ref.NativeID, e.InternalAxonID)
		}
	}

	return execBatch(ctx, tx, members, "commit entity members")
}

func lockedVersions(ctx context.Context, tx pgx.Tx, kind models.EntityKind, ids []string) (map[string]int64, error) {
	rows, err := tx.Query(ctx, `SELECT id, version FROM entities
WHERE entity_kind = $1 AND id = ANY($2) FOR UPDATE`, kind, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	current := make(map[string]int64, len(ids))

	for rows.Next() {
		var (
			id      string
			version int64
		)

		if err := rows.Scan(&id, &version); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		current[id] = version
	}

	return current, rows.Err()
}

// staleEntities returns the ids whose expected version does not match the
// stored one. Version zero expects the entity to be absent.
func staleEntities(entities []*models.Entity, current map[string]int64) []string {
	var stale []string

	for _, e := range entities {
		version, exists := current[e.InternalAxonID]

		switch {
		case e.Version == 0 && exists:
			stale = append(stale, e.InternalAxonID)
		case e.Version != 0 && (!exists || version != e.Version):
			stale = append(stale, e.InternalAxonID)
		}
	}

	return stale
}

func writeEntity(ctx context.Context, tx pgx.Tx, kind models.EntityKind, stored *models.Entity, expected int64) error {
	doc, err := encodeDoc(stored)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag

	if expected == 0 {
		tag, err = tx.Exec(ctx, insertEntitySQL, kind, stored.InternalAxonID, stored.Version, stored.Live(), doc)
	} else {
		tag, err = tx.Exec(ctx, updateEntitySQL, kind, stored.InternalAxonID, stored.Version, stored.Live(), doc, expected)
	}

	if err != nil {
		return err
	}

	if tag.RowsAffected() != 1 {
		return &store.CorrelationConflictError{Kind: kind, IDs: []string{stored.InternalAxonID}}
	}

	return nil
}

func (s *Store) FieldsMetadata(ctx context.Context, kind models.EntityKind) ([]models.FieldDescriptor, error) {
	return listFields(ctx, s.pool, kind)
}

func listFields(ctx context.Context, q querier, kind models.EntityKind) ([]models.FieldDescriptor, error) {
	rows, err := q.Query(ctx, `SELECT doc FROM field_metadata WHERE entity_kind = $1 ORDER BY name`, kind)
	if err != nil {
		return nil, wrapErr("fields metadata", err)
	}

	docs, err := collectDocs[models.FieldDescriptor](rows)
	if err != nil {
		return nil, wrapErr("fields metadata", err)
	}

	out := make([]models.FieldDescriptor, len(docs))
	for i, d := range docs {
		out[i] = *d
	}

	return out, nil
}

func (s *Store) DeclareFields(ctx context.Context, kind models.EntityKind, descs []models.FieldDescriptor) error {
	batch := &pgx.Batch{}

	for _, d := range descs {
		doc, err := encodeDoc(d)
		if err != nil {
			return err
		}

		batch.Queue(`INSERT INTO field_metadata (entity_kind, name, doc) VALUES ($1, $2, $3)
ON CONFLICT (entity_kind, name) DO UPDATE SET doc = EXCLUDED.doc`, kind, d.Name, doc)
	}

	return wrapErr("declare fields", execBatch(ctx, s.pool, batch, "declare fields"))
}

func (s *Store) ConnectionLabels(ctx context.Context) (map[string]string, error) {
	return connectionLabels(ctx, s.pool)
}

func connectionLabels(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.Query(ctx, `SELECT source_id, label FROM connection_labels`)
	if err != nil {
		return nil, wrapErr("connection labels", err)
	}
	defer rows.Close()

	out := make(map[string]string)

	for rows.Next() {
		var src, label string
		if err := rows.Scan(&src, &label); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		out[src] = label
	}

	return out, wrapErr("connection labels", rows.Err())
}

func (s *Store) SetConnectionLabel(ctx context.Context, sourceID, label string) error {
	var err error

	if strings.TrimSpace(label) == "" {
		_, err = s.pool.Exec(ctx, `DELETE FROM connection_labels WHERE source_id = $1`, sourceID)
	} else {
		_, err = s.pool.Exec(ctx, `INSERT INTO connection_labels (source_id, label) VALUES ($1, $2)
ON CONFLICT (source_id) DO UPDATE SET label = EXCLUDED.label`, sourceID, label)
	}

	return wrapErr("set connection label", err)
}

// Snapshot reads every collection inside one repeatable-read transaction.
func (s *Store) Snapshot(ctx context.Context) (*models.NodeSnapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, wrapErr("snapshot", err)
	}

	defer func() { _ = tx.Rollback(ctx) }()

	snap := &models.NodeSnapshot{
		NodeID:   s.nodeID,
		TakenAt:  s.now(),
		Entities: make(map[models.EntityKind][]*models.Entity, len(models.EntityKinds)),
		Adapters: make(map[models.EntityKind][]*models.AdapterEntity, len(models.EntityKinds)),
		Fields:   make(map[models.EntityKind][]models.FieldDescriptor, len(models.EntityKinds)),
	}

	for _, kind := range models.EntityKinds {
		if snap.Entities[kind], err = listEntities(ctx, tx, kind, false); err != nil {
			return nil, err
		}

		if snap.Adapters[kind], err = listAdapters(ctx, tx, kind); err != nil {
			return nil, err
		}

		if snap.Fields[kind], err = listFields(ctx, tx, kind); err != nil {
			return nil, err
		}
	}

	if snap.ConnectionLabels, err = connectionLabels(ctx, tx); err != nil {
		return nil, err
	}

	return snap, nil
}
