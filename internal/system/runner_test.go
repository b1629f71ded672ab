package system

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExecRunner_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(false, zaptest.NewLogger(t))

	out, err := r.Run(context.Background(), "sh", "-c", "printf hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExecRunner_ExitError(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(false, zaptest.NewLogger(t))

	_, err := r.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)

	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.ExitCode)
	assert.Equal(t, 3, ExitCodeOf(err))
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "exit 3")
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner(false, zaptest.NewLogger(t))

	_, err := r.Run(context.Background(), "ex10-definitely-not-a-binary")
	require.Error(t, err)
	assert.Equal(t, -1, ExitCodeOf(err))

	var execErr *exec.Error
	assert.True(t, errors.As(err, &execErr), "cause should unwrap")
}

func TestExitCodeOf_Foreign(t *testing.T) {
	assert.Equal(t, -1, ExitCodeOf(errors.New("x")))
	assert.Equal(t, -1, ExitCodeOf(nil))
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lw.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, "abcde", buf.String())
}

func TestFakeRunner(t *testing.T) {
	f := &FakeRunner{
		Respond: func(c Call) (string, error) {
			if c.Name == "pgrep" {
				return "42\n", nil
			}
			return "", nil
		},
	}

	ctx := context.Background()
	_, err := f.Run(ctx, "useradd", "--create-home", "u1")
	require.NoError(t, err)
	out, err := f.RunAs(ctx, "u1", strings.NewReader("body"), "tee", "--", "/home/u1/a.js")
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = f.Run(ctx, "pgrep", "-o", "-u", "u1", "xpra")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)

	assert.Equal(t, []string{
		"useradd --create-home u1",
		"@u1 tee -- /home/u1/a.js",
		"pgrep -o -u u1 xpra",
	}, f.Lines())
	assert.Equal(t, "body", f.Calls()[1].Stdin)

	f.Reset()
	assert.Empty(t, f.Calls())
}
