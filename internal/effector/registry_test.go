package effector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newAddUserRegistry(t *testing.T, calls *int) *Registry {
	t.Helper()
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(Effector{
		Name: "addUser",
		Params: []Param{
			{Name: "login", Required: true},
			{Name: "password", Required: true},
		},
		Handler: func(_ context.Context, p Params) (any, error) {
			*calls++
			return p.String("login"), nil
		},
	})
	return r
}

func TestInvokeUnknown(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	_, err := r.Invoke(context.Background(), "dropDatabase", nil)
	require.ErrorIs(t, err, ErrUnknownEffector)
}

func TestInvokeMissingParameter(t *testing.T) {
	calls := 0
	r := newAddUserRegistry(t, &calls)

	tests := []struct {
		name   string
		params Params
	}{
		{"nil params", nil},
		{"missing password", Params{"login": "alice"}},
		{"nil password", Params{"login": "alice", "password": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), "addUser", tt.params)
			require.ErrorIs(t, err, ErrMissingParameter)
		})
	}
	assert.Zero(t, calls, "handler must not run when validation fails")
}

func TestInvokeRunsHandler(t *testing.T) {
	calls := 0
	r := newAddUserRegistry(t, &calls)

	v, err := r.Invoke(context.Background(), "addUser", Params{"login": "alice", "password": "p@ss1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", v)
	assert.Equal(t, 1, calls)
}

func TestInvokeResult(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(Effector{Name: "stop", Handler: func(context.Context, Params) (any, error) {
		return nil, errors.New("sc stop failed")
	}})

	res := r.InvokeResult(context.Background(), "stop", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "sc stop failed", res.Error)

	res = r.InvokeResult(context.Background(), "nope", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown effector")
}

func TestListSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, n := range []string{"stop", "addUser", "start"} {
		r.Register(Effector{Name: n})
	}
	var names []string
	for _, e := range r.List() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"addUser", "start", "stop"}, names)
}

func TestListEncodesWithoutHandler(t *testing.T) {
	var calls int
	r := newAddUserRegistry(t, &calls)

	data, err := json.Marshal(r.List())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"addUser","description":"","params":[`+
		`{"name":"login","description":"","required":true},`+
		`{"name":"password","description":"","required":true}]}]`, string(data))
}

func TestParamsString(t *testing.T) {
	p := Params{"s": "x", "n": 5, "nil": nil}
	assert.Equal(t, "x", p.String("s"))
	assert.Equal(t, "5", p.String("n"))
	assert.Equal(t, "", p.String("nil"))
	assert.Equal(t, "", p.String("absent"))
}
