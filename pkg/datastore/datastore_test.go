package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	assert.True(t, IsSQLite(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := Open(Config{Type: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")

	_, err = Open(Config{Type: TypeSQLite})
	require.Error(t, err)
}

func TestMySQLDSN(t *testing.T) {
	assert.Equal(t, "u:p@tcp(db)/orch?clientFoundRows=true&parseTime=true", mysqlDSN("u:p@tcp(db)/orch"))
	assert.Equal(t, "u:p@tcp(db)/orch?charset=utf8mb4&clientFoundRows=true&parseTime=true", mysqlDSN("u:p@tcp(db)/orch?charset=utf8mb4"))
	assert.Equal(t, "x?clientFoundRows=false", mysqlDSN("x?clientFoundRows=false"))
}

func TestJSONTypes(t *testing.T) {
	var s JSONStringSlice
	require.NoError(t, s.Scan(`["a","b"]`))
	assert.Equal(t, JSONStringSlice{"a", "b"}, s)

	var phases JSONIntSlice
	require.NoError(t, phases.Scan([]byte(`[10,50,100]`)))
	assert.Equal(t, JSONIntSlice{10, 50, 100}, phases)
	v, err := phases.Value()
	require.NoError(t, err)
	assert.Equal(t, "[10,50,100]", v)

	var m JSONAny
	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)
	assert.Error(t, m.Scan(42))

	nilVal, err := JSONAny(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, nilVal)
}
