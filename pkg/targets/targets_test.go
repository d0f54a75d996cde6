package targets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine/enginetest"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
)

func registryWith(t *testing.T, ids ...int) *engine.Registry {
	t.Helper()
	reg := engine.NewRegistry()
	for _, id := range ids {
		id := id
		_, got := enginetest.Register(reg, nil, &id)
		require.Equal(t, id, got)
	}
	return reg
}

func TestResolve_AllEmptyRegistry(t *testing.T) {
	_, err := Resolve(engine.NewRegistry(), All())
	assert.True(t, errdefs.IsNoEngines(err))
}

func TestResolve_AllAscending(t *testing.T) {
	reg := registryWith(t, 5, 1, 3)
	ids, err := ResolveIDs(reg, All())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, ids)
}

func TestResolve_ManyKeepsOrderAndDuplicates(t *testing.T) {
	reg := registryWith(t, 0, 1, 2)
	ids, err := ResolveIDs(reg, Many(2, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 2}, ids)
}

func TestResolve_FirstUnknownIDReported(t *testing.T) {
	reg := registryWith(t, 0, 1)

	_, err := Resolve(reg, Many(0, 7, 9))
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidEngineID(err))

	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 7, e.EngineID)

	_, err = Resolve(reg, Single(4))
	assert.True(t, errdefs.IsInvalidEngineID(err))
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Spec
		wantErr bool
	}{
		{in: "all", want: All()},
		{in: "3", want: Single(3)},
		{in: "0::2", want: Many(0, 2)},
		{in: "1::1", want: Many(1, 1)},
		{in: "", wantErr: true},
		{in: "x", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1::", wantErr: true},
		{in: "ALL", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.True(t, errdefs.IsProtocolError(err), "Parse(%q) error = %v", tt.in, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}
