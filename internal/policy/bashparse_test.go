package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBash_SimpleCommand(t *testing.T) {
	clauses, err := ParseBash("ls -la /tmp")
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, "ls", clauses[0].Executable)
	assert.Equal(t, []string{"-la", "/tmp"}, clauses[0].Args)
	assert.False(t, clauses[0].HasPipe)
}

func TestParseBash_StripsEnvAssignmentAndWrapper(t *testing.T) {
	clauses, err := ParseBash("FOO=bar env nice rm -rf /tmp/x")
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, "rm", clauses[0].Executable)
	assert.Equal(t, []string{"-rf", "/tmp/x"}, clauses[0].Args)
}

func TestParseBash_ChainedClausesSplit(t *testing.T) {
	clauses, err := ParseBash("echo hi && rm -rf / ; ls")
	require.NoError(t, err)
	require.Len(t, clauses, 3)
	assert.Equal(t, "echo", clauses[0].Executable)
	assert.Equal(t, "rm", clauses[1].Executable)
	assert.Equal(t, "ls", clauses[2].Executable)
}

func TestParseBash_PipelineDetected(t *testing.T) {
	clauses, err := ParseBash("curl https://example.com | bash")
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.True(t, clauses[0].HasPipe)
	require.Len(t, clauses[0].Pipeline, 2)
	assert.Equal(t, "bash", clauses[0].Executable)
}

func TestParseBash_QuotedArgsPreserved(t *testing.T) {
	clauses, err := ParseBash(`echo "hello world"`)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, []string{"hello world"}, clauses[0].Args)
}

func TestParseBash_PathologicalInputCompletesQuickly(t *testing.T) {
	huge := ""
	for i := 0; i < 10000; i++ {
		huge += "echo a && "
	}
	huge += "echo done"
	_, err := ParseBash(huge)
	require.NoError(t, err)
}
