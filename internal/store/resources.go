package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pimd/pimd/internal/types"
)

// ResourceByName looks up a resource by its wire name.
func (t *Tx) ResourceByName(ctx context.Context, name string) (types.Resource, error) {
	var r types.Resource
	err := t.tx.QueryRowContext(ctx,
		"SELECT id, name FROM resources WHERE name = ?", name).Scan(&r.ID, &r.Name)
	if err != nil {
		return types.Resource{}, wrapDBErrorf(err, "resource %q", name)
	}
	return r, nil
}

// ResourceByID looks up a resource by id.
func (t *Tx) ResourceByID(ctx context.Context, id int64) (types.Resource, error) {
	var r types.Resource
	err := t.tx.QueryRowContext(ctx,
		"SELECT id, name FROM resources WHERE id = ?", id).Scan(&r.ID, &r.Name)
	if err != nil {
		return types.Resource{}, wrapDBErrorf(err, "resource %d", id)
	}
	return r, nil
}

// EnsureResource returns the resource named name, creating it if needed.
// RESSELECT on a previously unseen resource agent goes through here.
func (t *Tx) EnsureResource(ctx context.Context, name string) (types.Resource, error) {
	r, err := t.ResourceByName(ctx, name)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return types.Resource{}, err
	}
	res, err := t.tx.ExecContext(ctx, "INSERT INTO resources (name) VALUES (?)", name)
	if err != nil {
		return types.Resource{}, wrapDBErrorf(err, "create resource %q", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Resource{}, wrapDBError("create resource", err)
	}
	return types.Resource{ID: id, Name: name}, nil
}

// MimeTypeID interns a mimetype name and returns its id, consulting the
// identity cache first.
func (t *Tx) MimeTypeID(ctx context.Context, name string) (int64, error) {
	if id, ok := t.s.cachedMimeTypeID(name); ok {
		return id, nil
	}
	id, err := t.internName(ctx, "mimetypes", name)
	if err != nil {
		return 0, err
	}
	t.s.cacheMimeType(id, name)
	return id, nil
}

// MimeTypeName resolves a mimetype id back to its name.
func (t *Tx) MimeTypeName(ctx context.Context, id int64) (string, error) {
	if name, ok := t.s.cachedMimeTypeName(id); ok {
		return name, nil
	}
	var name string
	err := t.tx.QueryRowContext(ctx, "SELECT name FROM mimetypes WHERE id = ?", id).Scan(&name)
	if err != nil {
		return "", wrapDBErrorf(err, "mimetype %d", id)
	}
	t.s.cacheMimeType(id, name)
	return name, nil
}

// TagTypeID interns a tag type name.
func (t *Tx) TagTypeID(ctx context.Context, name string) (int64, error) {
	if id, ok := t.s.cachedTagTypeID(name); ok {
		return id, nil
	}
	id, err := t.internName(ctx, "tagtypes", name)
	if err != nil {
		return 0, err
	}
	t.s.cacheTagType(id, name)
	return id, nil
}

// TagTypeName resolves a tag type id back to its name.
func (t *Tx) TagTypeName(ctx context.Context, id int64) (string, error) {
	var name string
	err := t.tx.QueryRowContext(ctx, "SELECT name FROM tagtypes WHERE id = ?", id).Scan(&name)
	if err != nil {
		return "", wrapDBErrorf(err, "tagtype %d", id)
	}
	return name, nil
}

// RelationTypeID interns a relation type name.
func (t *Tx) RelationTypeID(ctx context.Context, name string) (int64, error) {
	return t.internName(ctx, "relationtypes", name)
}

// RelationTypeName resolves a relation type id back to its name.
func (t *Tx) RelationTypeName(ctx context.Context, id int64) (string, error) {
	var name string
	err := t.tx.QueryRowContext(ctx, "SELECT name FROM relationtypes WHERE id = ?", id).Scan(&name)
	if err != nil {
		return "", wrapDBErrorf(err, "relationtype %d", id)
	}
	return name, nil
}

// FlagID interns a flag name.
func (t *Tx) FlagID(ctx context.Context, name string) (int64, error) {
	return t.internName(ctx, "flags", name)
}

// FlagName resolves a flag id back to its name.
func (t *Tx) FlagName(ctx context.Context, id int64) (string, error) {
	var name string
	err := t.tx.QueryRowContext(ctx, "SELECT name FROM flags WHERE id = ?", id).Scan(&name)
	if err != nil {
		return "", wrapDBErrorf(err, "flag %d", id)
	}
	return name, nil
}

// internName implements insert-or-lookup against one of the global name
// tables (mimetypes, flags, tagtypes, relationtypes).
func (t *Tx) internName(ctx context.Context, table, name string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, wrapDBErrorf(err, "intern %s %q", table, name)
	}
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO "+table+" (name) VALUES (?)", name)
	if err != nil {
		return 0, wrapDBErrorf(err, "intern %s %q", table, name)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("intern "+table, err)
	}
	return id, nil
}
