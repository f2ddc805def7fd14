package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWorkspacePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/workspace"},
		{"data.csv", "/workspace/data.csv"},
		{"sub/dir/file.txt", "/workspace/sub/dir/file.txt"},
		{"/workspace/abs.txt", "/workspace/abs.txt"},
		{"./a/../b.txt", "/workspace/b.txt"},
		{"/workspace", "/workspace"},
	}
	for _, tc := range cases {
		got, err := resolveWorkspacePath(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestResolveWorkspacePathEscapes(t *testing.T) {
	for _, in := range []string{
		"../etc/passwd",
		"/etc/passwd",
		"a/../../escape",
		"/workspace/../root",
		"/workspace2/trick",
	} {
		_, err := resolveWorkspacePath(in)
		require.ErrorIs(t, err, ErrOutsideWorkspace, "input %q", in)
	}
}

func TestContainerNaming(t *testing.T) {
	long := "0123456789abcdef-extra"
	assert.Equal(t, "agentciv-0123456789ab", containerName(long))
	assert.Equal(t, "agentciv-snapshot-0123456789ab", snapshotTag(long))
	assert.Equal(t, "agentciv-short", containerName("short"))
}
