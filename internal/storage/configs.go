package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

// ExportedAttr is one attribute inside a configuration export.
type ExportedAttr struct {
	Save  int         `json:"save"`
	Type  AttrType    `json:"type"`
	Value interface{} `json:"value"`
}

// ExportedExclude is one exclude rule inside a configuration export.
type ExportedExclude struct {
	Exclude    string `json:"exclude"`
	ExprType   int    `json:"expr_type"`
	IgnoreCase int    `json:"ignore_case"`
	Disabled   int    `json:"disabled"`
}

// ConfigExport is the portable configuration of an index: every save=1
// attribute plus the exclude rules.
type ConfigExport struct {
	Status   map[string]ExportedAttr `json:"status"`
	Excludes []ExportedExclude       `json:"excludes"`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ConfigSnapshot builds the portable configuration of the index.
func (db *BunDB) ConfigSnapshot(ctx context.Context) (*ConfigExport, error) {
	return db.configSnapshotWith(db.DB, ctx)
}

func (db *BunDB) configSnapshotWith(idb bun.IDB, ctx context.Context) (*ConfigExport, error) {
	var models []AttrModel
	if err := idb.NewSelect().Model(&models).Where("save = 1").Order("key").Scan(ctx); err != nil {
		return nil, err
	}
	out := &ConfigExport{Status: make(map[string]ExportedAttr), Excludes: []ExportedExclude{}}
	for i := range models {
		a, err := attrFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out.Status[a.Key] = ExportedAttr{Save: 1, Type: a.Value.Type, Value: a.Value.Interface()}
	}

	excludes, err := db.ListExcludesWith(idb, ctx)
	if err != nil {
		return nil, err
	}
	for _, x := range excludes {
		out.Excludes = append(out.Excludes, ExportedExclude{
			Exclude:    x.Pattern,
			ExprType:   x.ExprType,
			IgnoreCase: boolInt(x.IgnoreCase),
			Disabled:   boolInt(x.Disabled),
		})
	}
	return out, nil
}

// SaveConfigBackup stores the current configuration as a new local config
// backup and returns it.
func (db *BunDB) SaveConfigBackup(ctx context.Context) (*ConfigBackupModel, error) {
	var cb *ConfigBackupModel
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		export, err := db.configSnapshotWith(tx, ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(export)
		if err != nil {
			return err
		}
		cb = &ConfigBackupModel{Config: string(data), Status: ConfigLocal, Tstamp: time.Now().Unix()}
		return db.InsertConfigBackupWith(tx, ctx, cb)
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("[BunDB] config backup %d saved", cb.ID)
	return cb, nil
}

// ParseConfigExport decodes a configuration export.
func ParseConfigExport(data []byte) (*ConfigExport, error) {
	var export ConfigExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("invalid configuration export: %w", err)
	}
	if export.Status == nil {
		export.Status = make(map[string]ExportedAttr)
	}
	return &export, nil
}

// ImportConfigWith writes the attributes and exclude rules of a
// configuration export into the index. Existing attributes are replaced.
func (db *BunDB) ImportConfigWith(idb bun.IDB, ctx context.Context, export *ConfigExport) error {
	for key, a := range export.Status {
		t, err := ParseAttrType(string(a.Type))
		if err != nil {
			return fmt.Errorf("attribute %s: %w", key, err)
		}
		v := NullValue(t)
		if a.Value != nil {
			if v, err = ParseValue(t, exportedText(a.Value)); err != nil {
				return fmt.Errorf("attribute %s: %w", key, err)
			}
		}
		if err := db.PutAttrWith(idb, ctx, key, true, v); err != nil {
			return err
		}
	}
	for _, x := range export.Excludes {
		if err := db.AddExcludeWith(idb, ctx, &ExcludeModel{
			Pattern:    x.Exclude,
			ExprType:   x.ExprType,
			IgnoreCase: x.IgnoreCase != 0,
			Disabled:   x.Disabled != 0,
		}); err != nil {
			return err
		}
	}
	return nil
}

// exportedText renders a decoded JSON scalar back into attribute text.
func exportedText(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%d", int64(x))
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}
