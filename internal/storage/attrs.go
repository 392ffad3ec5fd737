package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/uptrace/bun"

	"chirri/internal/common"
)

// Well-known attribute keys
const (
	AttrDBVersion       = "db_version"
	AttrStatus          = "status"
	AttrLastSnapshotID  = "last_snapshot_id"
	AttrLastExcludeID   = "last_exclude_id"
	AttrLastConfigID    = "last_config_id"
	AttrRebuildSnapshot = "rebuild_snapshot"
	AttrStorageType     = "storage_type"
	AttrCompression     = "compression"
)

// AttrType is the declared type of an attribute.
type AttrType string

const (
	TypeInt  AttrType = "int"
	TypeStr  AttrType = "str"
	TypeBool AttrType = "bool"
)

// ParseAttrType validates a type name.
func ParseAttrType(s string) (AttrType, error) {
	switch AttrType(s) {
	case TypeInt, TypeStr, TypeBool:
		return AttrType(s), nil
	}
	return "", fmt.Errorf("%w: unknown attribute type %q", common.ErrAttributeType, s)
}

// Value is a tagged attribute value. Null values still carry their type.
type Value struct {
	Type AttrType
	Null bool
	Int  int64
	Str  string
	Bool bool
}

func IntValue(v int64) Value { return Value{Type: TypeInt, Int: v} }

func StrValue(v string) Value { return Value{Type: TypeStr, Str: v} }

func BoolValue(v bool) Value { return Value{Type: TypeBool, Bool: v} }

func NullValue(t AttrType) Value { return Value{Type: t, Null: true} }

// ParseValue converts text into a value of type t.
func ParseValue(t AttrType, s string) (Value, error) {
	switch t {
	case TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an int", common.ErrAttributeType, s)
		}
		return IntValue(n), nil
	case TypeStr:
		return StrValue(s), nil
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a bool", common.ErrAttributeType, s)
		}
		return BoolValue(b), nil
	}
	return Value{}, fmt.Errorf("%w: unknown attribute type %q", common.ErrAttributeType, t)
}

// String renders the value the way it is stored.
func (v Value) String() string {
	if v.Null {
		return "<null>"
	}
	return v.text()
}

func (v Value) text() string {
	switch v.Type {
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

func (v Value) column() *string {
	if v.Null {
		return nil
	}
	s := v.text()
	return &s
}

// Interface returns the Go value (nil for null), used for JSON export.
func (v Value) Interface() interface{} {
	if v.Null {
		return nil
	}
	switch v.Type {
	case TypeInt:
		return v.Int
	case TypeBool:
		return v.Bool
	default:
		return v.Str
	}
}

// Attr is one attribute row.
type Attr struct {
	Key   string
	Save  bool
	Value Value
}

func attrFromModel(m *AttrModel) (Attr, error) {
	t, err := ParseAttrType(m.Type)
	if err != nil {
		return Attr{}, fmt.Errorf("attribute %s: %w", m.Key, err)
	}
	a := Attr{Key: m.Key, Save: m.Save, Value: NullValue(t)}
	if m.Value != nil {
		v, err := ParseValue(t, *m.Value)
		if err != nil {
			return Attr{}, fmt.Errorf("attribute %s: %w", m.Key, err)
		}
		a.Value = v
	}
	return a, nil
}

// --- Attribute Operations ---

// GetAttr returns the attribute value, or ErrUnknownAttribute.
func (db *BunDB) GetAttr(ctx context.Context, key string) (Value, error) {
	return db.getAttrWith(db.DB, ctx, key)
}

// GetAttrWith returns the attribute value using the given bun.IDB.
func (db *BunDB) GetAttrWith(idb bun.IDB, ctx context.Context, key string) (Value, error) {
	return db.getAttrWith(idb, ctx, key)
}

func (db *BunDB) getAttrWith(idb bun.IDB, ctx context.Context, key string) (Value, error) {
	var m AttrModel
	err := idb.NewSelect().Model(&m).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, fmt.Errorf("%w: %s", common.ErrUnknownAttribute, key)
	}
	if err != nil {
		return Value{}, err
	}
	a, err := attrFromModel(&m)
	if err != nil {
		return Value{}, err
	}
	return a.Value, nil
}

// GetInt returns an int attribute. Null reads as 0.
func (db *BunDB) GetInt(ctx context.Context, key string) (int64, error) {
	return db.GetIntWith(db.DB, ctx, key)
}

// GetIntWith returns an int attribute using the given bun.IDB.
func (db *BunDB) GetIntWith(idb bun.IDB, ctx context.Context, key string) (int64, error) {
	v, err := db.getAttrWith(idb, ctx, key)
	if err != nil {
		return 0, err
	}
	if v.Type != TypeInt {
		return 0, fmt.Errorf("%w: %s is %s, not int", common.ErrAttributeType, key, v.Type)
	}
	return v.Int, nil
}

// GetStr returns a str attribute. Null reads as "".
func (db *BunDB) GetStr(ctx context.Context, key string) (string, error) {
	v, err := db.getAttrWith(db.DB, ctx, key)
	if err != nil {
		return "", err
	}
	if v.Type != TypeStr {
		return "", fmt.Errorf("%w: %s is %s, not str", common.ErrAttributeType, key, v.Type)
	}
	return v.Str, nil
}

// SetAttr updates an existing attribute, enforcing its declared type.
func (db *BunDB) SetAttr(ctx context.Context, key string, v Value) error {
	return db.SetAttrWith(db.DB, ctx, key, v)
}

// SetAttrWith updates an existing attribute using the given bun.IDB.
func (db *BunDB) SetAttrWith(idb bun.IDB, ctx context.Context, key string, v Value) error {
	var m AttrModel
	err := idb.NewSelect().Model(&m).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", common.ErrUnknownAttribute, key)
	}
	if err != nil {
		return err
	}
	if AttrType(m.Type) != v.Type {
		return fmt.Errorf("%w: %s is %s, got %s", common.ErrAttributeType, key, m.Type, v.Type)
	}
	_, err = idb.NewUpdate().
		Model((*AttrModel)(nil)).
		Set("value = ?", v.column()).
		Where("key = ?", key).
		Exec(ctx)
	return err
}

// NewAttr creates an attribute. Fails with ErrExists if the key is taken.
func (db *BunDB) NewAttr(ctx context.Context, key string, save bool, v Value) error {
	return db.NewAttrWith(db.DB, ctx, key, save, v)
}

// NewAttrWith creates an attribute using the given bun.IDB.
func (db *BunDB) NewAttrWith(idb bun.IDB, ctx context.Context, key string, save bool, v Value) error {
	if _, err := ParseAttrType(string(v.Type)); err != nil {
		return err
	}
	exists, err := idb.NewSelect().Model((*AttrModel)(nil)).Where("key = ?", key).Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("attribute %s: %w", key, common.ErrExists)
	}
	_, err = idb.NewInsert().
		Model(&AttrModel{Key: key, Save: save, Type: string(v.Type), Value: v.column()}).
		Exec(ctx)
	return err
}

// PutAttrWith creates or replaces an attribute with the given type.
func (db *BunDB) PutAttrWith(idb bun.IDB, ctx context.Context, key string, save bool, v Value) error {
	_, err := idb.NewInsert().
		Model(&AttrModel{Key: key, Save: save, Type: string(v.Type), Value: v.column()}).
		On("CONFLICT (key) DO UPDATE").
		Set("save = EXCLUDED.save").
		Set("type = EXCLUDED.type").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// DeleteAttr removes an attribute.
func (db *BunDB) DeleteAttr(ctx context.Context, key string) error {
	res, err := db.NewDelete().Model((*AttrModel)(nil)).Where("key = ?", key).Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", common.ErrUnknownAttribute, key)
	}
	return nil
}

// ListAttrs returns all attributes ordered by key.
func (db *BunDB) ListAttrs(ctx context.Context) ([]Attr, error) {
	var models []AttrModel
	if err := db.NewSelect().Model(&models).Order("key").Scan(ctx); err != nil {
		return nil, err
	}
	attrs := make([]Attr, 0, len(models))
	for i := range models {
		a, err := attrFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// NextIDWith increments the counter attribute key and returns the new value.
func (db *BunDB) NextIDWith(idb bun.IDB, ctx context.Context, key string) (int64, error) {
	cur, err := db.GetIntWith(idb, ctx, key)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := db.SetAttrWith(idb, ctx, key, IntValue(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// RaiseIDWith moves the counter attribute key up to at least id.
func (db *BunDB) RaiseIDWith(idb bun.IDB, ctx context.Context, key string, id int64) error {
	cur, err := db.GetIntWith(idb, ctx, key)
	if err != nil {
		return err
	}
	if id <= cur {
		return nil
	}
	return db.SetAttrWith(idb, ctx, key, IntValue(id))
}
