// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id       Id
		wantNil  bool
		contains string
	}{
		{MatrixFileNotFoundId, false, "No matrix file found"},
		{MatrixParseErrorId, false, "Failed to parse the matrix file"},
		{MatrixInvalidId, false, "matrix definition is invalid"},
		{UnknownEnvironmentId, false, "Unknown environment"},
		{DependencyCycleId, false, "inheritance cycle"},
		{ContainerEngineNotFoundId, false, "Container engine not found"},
		{ImageUnavailableId, false, "Image unavailable"},
		{ProvisionFailedId, false, "provisioning failed"},
		{InfrastructureFaultId, false, "Infrastructure fault"},
		{EnvironmentTimedOutId, false, "timed out"},
		{ConfigLoadFailedId, false, "Failed to load configuration"},
		{ShellNotFoundId, false, "Shell not found"},
		{PermissionDeniedId, false, "Permission denied"},
		{HistoryUnavailableId, false, "history unavailable"},
		{Id(9999), true, "missing"},
	}

	for _, tt := range tests {
		t.Run(tt.contains, func(t *testing.T) {
			t.Parallel()
			issue := Get(tt.id)
			if tt.wantNil {
				assert.Nil(t, issue)
				return
			}
			require.NotNil(t, issue)
			assert.Equal(t, tt.id, issue.Id())
			assert.Contains(t, string(issue.MarkdownMsg()), tt.contains)
		})
	}
}

func TestValues_SortedAndComplete(t *testing.T) {
	t.Parallel()

	values := Values()
	require.Len(t, values, len(issues))
	for i, v := range values {
		assert.Equal(t, Id(i+1), v.Id(), "Values()[%d]", i)
	}
}

//nolint:paralleltest // swaps the package-level render function
func TestIssue_Render(t *testing.T) {
	original := render
	defer func() { render = original }()

	var gotStyle string
	render = func(in, stylePath string) (string, error) {
		gotStyle = stylePath
		return in, nil
	}

	withLinks := &Issue{
		id:       MatrixInvalidId,
		mdMsg:    "# Broken",
		docLinks: []HttpLink{"https://example.com/docs"},
		extLinks: []HttpLink{"https://example.com/ext"},
	}

	out, err := withLinks.Render("notty")
	require.NoError(t, err)
	assert.Equal(t, "notty", gotStyle)
	for _, want := range []string{"# Broken", "## See also", "https://example.com/docs", "https://example.com/ext"} {
		assert.Contains(t, out, want)
	}

	out, err = Get(ShellNotFoundId).Render("notty")
	require.NoError(t, err)
	assert.NotContains(t, out, "See also", "entries without links should not render a See also section")
}

func TestIssue_LinksAreCloned(t *testing.T) {
	t.Parallel()

	issue := &Issue{docLinks: []HttpLink{"a"}, extLinks: []HttpLink{"b"}}
	docs := issue.DocLinks()
	docs[0] = "changed"
	ext := issue.ExtLinks()
	ext[0] = "changed"

	assert.Equal(t, HttpLink("a"), issue.DocLinks()[0])
	assert.Equal(t, HttpLink("b"), issue.ExtLinks()[0])
}
