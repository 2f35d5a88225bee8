package git

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReferenceName_Prefixes(t *testing.T) {
	require.Equal(t, []ReferenceName{"refs", "refs/heads", "refs/heads/a"}, ReferenceName("refs/heads/a/b").Prefixes())
	require.Equal(t, []ReferenceName{"refs"}, ReferenceName("refs/x").Prefixes())
	require.Empty(t, HeadName.Prefixes())
}

func TestReferenceName_Conflicts(t *testing.T) {
	for _, tc := range []struct {
		a, b     ReferenceName
		conflict bool
	}{
		{a: "refs/heads/a", b: "refs/heads/a/b", conflict: true},
		{a: "refs/heads/a/b", b: "refs/heads/a", conflict: true},
		{a: "refs/heads/a", b: "refs/heads/ab", conflict: false},
		{a: "refs/heads/a", b: "refs/heads/a", conflict: false},
		{a: "refs/heads/a", b: "refs/tags/a", conflict: false},
	} {
		t.Run(tc.a.String()+" "+tc.b.String(), func(t *testing.T) {
			require.Equal(t, tc.conflict, tc.a.Conflicts(tc.b))
		})
	}
}

func TestReferenceName_Validate(t *testing.T) {
	for _, tc := range []struct {
		name  ReferenceName
		valid bool
	}{
		{name: "refs/heads/main", valid: true},
		{name: "refs/tags/v1.0.0", valid: true},
		{name: "HEAD", valid: true},
		{name: "main", valid: false},
		{name: "refs/heads/my branch", valid: false},
		{name: "refs/heads/a..b", valid: false},
		{name: "refs/heads/a.lock", valid: false},
		{name: "refs/heads/.hidden", valid: false},
		{name: "refs/heads/", valid: false},
		{name: "refs/heads/a@{1}", valid: false},
		{name: "", valid: false},
	} {
		t.Run(tc.name.String(), func(t *testing.T) {
			err := tc.name.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidReferenceName)
			}
		})
	}
}

func TestReferenceName_Branch(t *testing.T) {
	branch, ok := ReferenceName("refs/heads/feature/x").Branch()
	require.True(t, ok)
	require.Equal(t, "feature/x", branch)

	_, ok = ReferenceName("refs/tags/v1").Branch()
	require.False(t, ok)
}

func TestSortReferenceNames(t *testing.T) {
	names := []ReferenceName{"refs/tags/a", "refs/heads/b", "refs/heads/a/b", "refs/heads/a"}
	SortReferenceNames(names)
	require.Equal(t, []ReferenceName{"refs/heads/a", "refs/heads/a/b", "refs/heads/b", "refs/tags/a"}, names)
}
