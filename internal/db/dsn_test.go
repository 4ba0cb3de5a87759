package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDBName(t *testing.T) {
	got, err := WithDBName("postgres://u:p@localhost:5432/postgres?sslmode=disable", "gtfs_1719487000")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost:5432/gtfs_1719487000?sslmode=disable", got)

	got, err = WithDBName("u@db:5432/x", "/y")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u@db:5432/y", got)

	_, err = WithDBName("", "x")
	assert.Error(t, err)

	_, err = WithDBName("mysql://u@db/x", "y")
	assert.Error(t, err)
}

func TestDBName(t *testing.T) {
	name, err := DBName("postgresql://db/gtfs?sslmode=require")
	require.NoError(t, err)
	assert.Equal(t, "gtfs", name)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://u:xxxxx@db/gtfs", Redact("postgres://u:secret@db/gtfs"))
	assert.Equal(t, "<invalid DSN>", Redact(""))
}
