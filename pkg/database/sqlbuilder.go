package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Excluded refers to the proposed row inside ON CONFLICT DO UPDATE.
func Excluded(column string) string {
	return fmt.Sprintf("%s = EXCLUDED.%s", column, column)
}

// Upsert appends ON CONFLICT (conflict) DO UPDATE SET updates to an insert.
func Upsert(ib *sqlbuilder.InsertBuilder, conflict []string, updates ...string) *sqlbuilder.InsertBuilder {
	if len(updates) == 0 {
		return OnConflictDoNothing(ib, conflict...)
	}
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflict, ", "), strings.Join(updates, ", ")))
	return ib
}

func OnConflictDoNothing(ib *sqlbuilder.InsertBuilder, conflict ...string) *sqlbuilder.InsertBuilder {
	if len(conflict) == 0 {
		ib.SQL("ON CONFLICT DO NOTHING")
		return ib
	}
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(conflict, ", ")))
	return ib
}
