package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterAdmit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		include []string
		exclude []string
		repo    string
		want    bool
	}{
		{name: "no patterns", repo: "octo/widget", want: true},
		{name: "include match", include: []string{`^octo/`}, repo: "octo/widget", want: true},
		{name: "include miss", include: []string{`^octo/`}, repo: "acme/widget", want: false},
		{name: "exclude wins", include: []string{`widget`}, exclude: []string{`^octo/`}, repo: "octo/widget", want: false},
		{name: "exclude only", exclude: []string{`(?i)dotfiles$`}, repo: "me/DotFiles", want: false},
		{name: "empty pattern ignored", include: []string{""}, repo: "acme/tool", want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := NewFilter(tc.include, tc.exclude)
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Admit(tc.repo))
		})
	}
}

func TestFilterInvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := NewFilter([]string{"("}, nil)
	require.Error(t, err)
	_, err = NewFilter(nil, []string{"[z-a]"})
	require.Error(t, err)
}

func TestNilFilterAdmitsEverything(t *testing.T) {
	t.Parallel()

	var f *Filter
	assert.True(t, f.Admit("anything"))
}
