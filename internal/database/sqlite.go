package database

import (
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/migrator"
	"gorm.io/gorm/schema"
)

// sqliteDialector maps `type:numeric` columns to TEXT. A NUMERIC column in
// sqlite has numeric affinity and stores decimals as 64-bit floats, so
// amounts beyond float precision would be rounded on write.
type sqliteDialector struct {
	*sqlite.Dialector
}

func (d sqliteDialector) DataTypeOf(field *schema.Field) string {
	if strings.EqualFold(string(field.DataType), "numeric") {
		return "text"
	}
	return d.Dialector.DataTypeOf(field)
}

func (d sqliteDialector) Migrator(db *gorm.DB) gorm.Migrator {
	return sqlite.Migrator{Migrator: migrator.Migrator{Config: migrator.Config{
		DB:                          db,
		Dialector:                   d,
		CreateIndexAfterCreateTable: true,
	}}}
}
