package sensor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	isUp  = NewKey[bool]("service.isUp", "")
	port  = NewKey[int]("mssql.tcpPort", "")
	url   = NewKey[string]("datastore.url", "")
	wrong = NewKey[string]("mssql.tcpPort", "")
)

func TestSetGet(t *testing.T) {
	r := NewRegistry()

	_, ok := Get(r, isUp)
	assert.False(t, ok)

	Set(r, isUp, true)
	Set(r, port, 1433)

	up, ok := Get(r, isUp)
	require.True(t, ok)
	assert.True(t, up)

	p, ok := Get(r, port)
	require.True(t, ok)
	assert.Equal(t, 1433, p)

	_, ok = Get(r, wrong)
	assert.False(t, ok, "type mismatch reads as unset")

	assert.Equal(t, []string{"mssql.tcpPort", "service.isUp"}, r.Names())
}

func TestListeners(t *testing.T) {
	r := NewRegistry()
	var got []Change
	r.Subscribe(func(c Change) { got = append(got, c) })

	Set(r, isUp, false)
	Set(r, isUp, true)

	require.Len(t, got, 2)
	assert.Equal(t, Change{Name: "service.isUp", Value: false}, got[0])
	assert.Equal(t, Change{Name: "service.isUp", Value: true}, got[1])
}

func TestSnapshotRestore(t *testing.T) {
	r := NewRegistry()
	Set(r, url, "jdbc:sqlserver://db1:1433")
	Set(r, port, 1433)

	snap, err := r.Snapshot()
	require.NoError(t, err)

	restored := NewRegistry()
	var notified bool
	restored.Subscribe(func(Change) { notified = true })
	require.NoError(t, Restore(restored, url, snap))
	require.NoError(t, Restore(restored, port, snap))
	require.NoError(t, Restore(restored, isUp, snap))

	u, _ := Get(restored, url)
	assert.Equal(t, "jdbc:sqlserver://db1:1433", u)
	p, _ := Get(restored, port)
	assert.Equal(t, 1433, p)
	_, ok := Get(restored, isUp)
	assert.False(t, ok)
	assert.False(t, notified)

	assert.Error(t, Restore(restored, isUp, map[string]json.RawMessage{"service.isUp": json.RawMessage(`"yes"`)}))
}
