package database

import (
	"testing"

	"github.com/huandu/go-sqlbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONB(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	v, err := NewJSONB(payload{Name: "Sarah Lee"}).Value()
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Sarah Lee"}`, v)

	var scanned JSONB[payload]
	require.NoError(t, scanned.Scan([]byte(`{"name":"Sara Lee"}`)))
	assert.Equal(t, "Sara Lee", scanned.Data.Name)

	require.NoError(t, scanned.Scan(`{"name":"S. Lee"}`))
	assert.Equal(t, "S. Lee", scanned.Data.Name)

	require.NoError(t, scanned.Scan(nil))
	assert.Empty(t, scanned.Data.Name)

	assert.Error(t, scanned.Scan(42))
}

func TestUpsert(t *testing.T) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("source_watermarks").Cols("source", "applied").Values("swimcloud", 3)
	Upsert(ib, []string{"source"}, Excluded("applied"))

	query, args := ib.Build()
	assert.Equal(t, "INSERT INTO source_watermarks (source, applied) VALUES ($1, $2) ON CONFLICT (source) DO UPDATE SET applied = EXCLUDED.applied", query)
	assert.Equal(t, []any{"swimcloud", 3}, args)

	ib = sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("performances").Cols("id").Values("p1")
	Upsert(ib, []string{"observation_key"})
	query, _ = ib.Build()
	assert.Equal(t, "INSERT INTO performances (id) VALUES ($1) ON CONFLICT (observation_key) DO NOTHING", query)
}
