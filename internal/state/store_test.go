package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sampleAttributes() Attributes {
	return Attributes{
		"datastore.url":    json.RawMessage(`"jdbc:sqlserver://db1:1433"`),
		"mssql.saPassword": json.RawMessage(`"kQ3vR8xLm2Zp_07"`),
		"service.isUp":     json.RawMessage(`true`),
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, "BROKEN@nowhere")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, "BROKEN@db1", sampleAttributes()))
	got, err = s.Load(ctx, "BROKEN@db1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.JSONEq(t, `"jdbc:sqlserver://db1:1433"`, string(got["datastore.url"]))
	assert.JSONEq(t, `true`, string(got["service.isUp"]))

	updated := sampleAttributes()
	updated["service.isUp"] = json.RawMessage(`false`)
	require.NoError(t, s.Save(ctx, "BROKEN@db1", updated))
	got, err = s.Load(ctx, "BROKEN@db1")
	require.NoError(t, err)
	assert.JSONEq(t, `false`, string(got["service.isUp"]))

	require.NoError(t, s.Save(ctx, "OTHER@db2", nil))
	got, err = s.Load(ctx, "OTHER@db2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)

	_, err = os.Stat(filepath.Join(dir, "BROKEN@db1.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "BROKEN@db1.json.tmp"))
	assert.True(t, os.IsNotExist(err), "tmp file must be renamed away")
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.json"), []byte("{"), 0o600))

	_, err = s.Load(context.Background(), "x")
	assert.ErrorContains(t, err, "parse state file")
}

func TestFileStoreSanitisesNames(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "MSSQL_BROKEN@db1.json", filepath.Base(s.path(`MSSQL$BROKEN@db1`)))
	assert.Equal(t, "a_b_c.json", filepath.Base(s.path(`a/b\c`)))
}

func TestSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(context.Background(), dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	exerciseStore(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(context.Background(), dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load(context.Background(), "BROKEN@db1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MSSQLPRO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MSSQLPRO_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	s, err := Open(ctx, Options{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, Options{Backend: BackendSQLite, Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = Open(ctx, Options{Backend: BackendPostgres}, logger)
	assert.ErrorContains(t, err, "needs a DSN")

	_, err = Open(ctx, Options{Backend: "etcd"}, logger)
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = Open(ctx, Options{Backend: BackendFile}, logger)
	assert.Error(t, err)
}
