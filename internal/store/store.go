package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Kind names one entity collection.
type Kind string

const (
	KindOrganization Kind = "organizations"
	KindWorkspace    Kind = "workspaces"
	KindTeam         Kind = "teams"
	KindPortfolio    Kind = "portfolios"
	KindProject      Kind = "projects"
	KindSection      Kind = "sections"
	KindTask         Kind = "tasks"
)

// kindSpec is the closed per-kind configuration of recognized equality
// filter fields. Filter columns are generated from the JSON data, so a
// recognized field is always a real column of the kind's table.
type kindSpec struct {
	filters map[string]bool
}

var kinds = map[Kind]kindSpec{
	KindOrganization: {filters: map[string]bool{}},
	KindWorkspace:    {filters: map[string]bool{"organization_id": true}},
	KindTeam:         {filters: map[string]bool{"workspace_id": true}},
	KindPortfolio:    {filters: map[string]bool{"workspace_id": true}},
	KindProject:      {filters: map[string]bool{"portfolio_id": true, "team_id": true, "status": true}},
	KindSection:      {filters: map[string]bool{"project_id": true}},
	KindTask: {filters: map[string]bool{
		"project_id": true, "section_id": true, "assignee_id": true, "status": true, "parent_task_id": true,
	}},
}

// Kinds returns every registered kind, sorted.
func Kinds() []Kind {
	res := make([]Kind, 0, len(kinds))
	for k := range kinds {
		res = append(res, k)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// KnownKind reports whether k names a registered collection.
func KnownKind(k Kind) bool {
	_, ok := kinds[k]
	return ok
}

// FilterFields returns the recognized filter fields for a kind, sorted.
func FilterFields(k Kind) []string {
	spec, ok := kinds[k]
	if !ok {
		return nil
	}
	res := make([]string, 0, len(spec.filters))
	for f := range spec.filters {
		res = append(res, f)
	}
	sort.Strings(res)
	return res
}

// Filter is an equality-only query; keys must belong to the kind's
// recognized filter fields.
type Filter map[string]string

// UnknownFilterError is returned when a filter names an unrecognized
// field, instead of silently ignoring it.
type UnknownFilterError struct {
	Kind  Kind
	Field string
}

func (e UnknownFilterError) Error() string {
	return fmt.Sprintf("unknown filter field %q for %s", e.Field, e.Kind)
}

// Document is one stored entity. Data holds the full entity JSON,
// including the envelope fields mirrored in the columns.
type Document struct {
	Kind      Kind
	ID        string
	OwnerID   string
	CreatedAt string
	UpdatedAt string
	Data      json.RawMessage
}

// Decode unmarshals the document payload into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// Store is the entity store adapter: generic owner-scoped CRUD over
// one SQLite collection per kind. It assigns all ids and timestamps.
type Store struct {
	DB    *sql.DB
	Now   func() time.Time
	NewID func() string
}

func New(db *sql.DB) Store {
	return Store{
		DB:    db,
		Now:   time.Now,
		NewID: func() string { return uuid.New().String() },
	}
}

func (s Store) now() string {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (s Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.New().String()
}

func (s Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return s.DB.ExecContext(ctx, query, args...)
}

func (s Store) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	if tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return s.DB.QueryRowContext(ctx, query, args...)
}

// Create persists entity under ownerID and returns the stored document.
// The entity's id, owner_id and timestamps are overwritten here; any
// caller-supplied values for them are ignored.
func (s Store) Create(ctx context.Context, tx *sql.Tx, kind Kind, ownerID string, entity any) (Document, error) {
	if !KnownKind(kind) {
		return Document{}, fmt.Errorf("unknown kind %q", kind)
	}
	if ownerID == "" {
		return Document{}, errors.New("owner id required")
	}
	raw, err := json.Marshal(entity)
	if err != nil {
		return Document{}, fmt.Errorf("marshal %s: %w", kind, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	now := s.now()
	doc := Document{
		Kind:      kind,
		ID:        s.newID(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	fields["id"] = doc.ID
	fields["owner_id"] = doc.OwnerID
	fields["created_at"] = doc.CreatedAt
	fields["updated_at"] = doc.UpdatedAt
	doc.Data, err = json.Marshal(fields)
	if err != nil {
		return Document{}, err
	}
	_, err = s.exec(ctx, tx, fmt.Sprintf(`INSERT INTO %s(id,owner_id,created_at,updated_at,data) VALUES (?,?,?,?,?)`, kind),
		doc.ID, doc.OwnerID, doc.CreatedAt, doc.UpdatedAt, string(doc.Data))
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Get fetches a document by id. A document owned by a different
// identity is reported as ErrNotFound so reads never leak existence.
func (s Store) Get(ctx context.Context, kind Kind, id, ownerID string) (Document, error) {
	if !KnownKind(kind) {
		return Document{}, fmt.Errorf("unknown kind %q", kind)
	}
	doc, err := s.fetch(ctx, nil, kind, id)
	if err != nil {
		return Document{}, err
	}
	if doc.OwnerID != ownerID {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s Store) fetch(ctx context.Context, tx *sql.Tx, kind Kind, id string) (Document, error) {
	doc := Document{Kind: kind}
	var data string
	err := s.queryRow(ctx, tx, fmt.Sprintf(`SELECT id,owner_id,created_at,updated_at,data FROM %s WHERE id=?`, kind), id).
		Scan(&doc.ID, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt, &data)
	if err == sql.ErrNoRows {
		return doc, ErrNotFound
	}
	if err != nil {
		return doc, err
	}
	doc.Data = json.RawMessage(data)
	return doc, nil
}

// List returns the owner's documents of a kind, newest-created-first,
// optionally narrowed by recognized equality filters. Timestamps have
// second resolution, so ties break on rowid to keep the order stable
// in insertion order.
func (s Store) List(ctx context.Context, kind Kind, ownerID string, f Filter) ([]Document, error) {
	spec, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	clauses := []string{"owner_id=?"}
	args := []any{ownerID}
	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if !spec.filters[field] {
			return nil, UnknownFilterError{Kind: kind, Field: field}
		}
		clauses = append(clauses, field+"=?")
		args = append(args, f[field])
	}
	query := fmt.Sprintf(`SELECT id,owner_id,created_at,updated_at,data FROM %s WHERE %s ORDER BY created_at DESC, rowid DESC`,
		kind, strings.Join(clauses, " AND "))
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Document
	for rows.Next() {
		doc := Document{Kind: kind}
		var data string
		if err := rows.Scan(&doc.ID, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt, &data); err != nil {
			return nil, err
		}
		doc.Data = json.RawMessage(data)
		res = append(res, doc)
	}
	return res, rows.Err()
}

// Patch merges fields into the stored JSON and bumps updated_at. A nil
// field value removes the key. ErrNotFound when the id does not exist
// under any owner; ErrForbidden when it exists under a different one.
// The envelope fields cannot be patched.
func (s Store) Patch(ctx context.Context, tx *sql.Tx, kind Kind, id, ownerID string, fields map[string]any) (Document, error) {
	if !KnownKind(kind) {
		return Document{}, fmt.Errorf("unknown kind %q", kind)
	}
	doc, err := s.fetch(ctx, tx, kind, id)
	if err != nil {
		return Document{}, err
	}
	if doc.OwnerID != ownerID {
		return Document{}, ErrForbidden
	}
	var current map[string]any
	if err := json.Unmarshal(doc.Data, &current); err != nil {
		return Document{}, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	for key, value := range fields {
		switch key {
		case "id", "owner_id", "created_at", "updated_at":
			return Document{}, fmt.Errorf("field %s is immutable", key)
		}
		if value == nil {
			delete(current, key)
			continue
		}
		current[key] = value
	}
	doc.UpdatedAt = s.now()
	current["updated_at"] = doc.UpdatedAt
	doc.Data, err = json.Marshal(current)
	if err != nil {
		return Document{}, err
	}
	_, err = s.exec(ctx, tx, fmt.Sprintf(`UPDATE %s SET data=?, updated_at=? WHERE id=?`, kind),
		string(doc.Data), doc.UpdatedAt, id)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Delete removes a document. ErrNotFound when absent, ErrForbidden
// when owned by a different identity. Deletes never cascade here; tree
// semantics live in the engine.
func (s Store) Delete(ctx context.Context, tx *sql.Tx, kind Kind, id, ownerID string) error {
	if !KnownKind(kind) {
		return fmt.Errorf("unknown kind %q", kind)
	}
	doc, err := s.fetch(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	if doc.OwnerID != ownerID {
		return ErrForbidden
	}
	_, err = s.exec(ctx, tx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, kind), id)
	return err
}
