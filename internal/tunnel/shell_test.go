package tunnel

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstflare/internal/vfs"
)

func newShell(t *testing.T, opts ShellOptions) *Shell {
	t.Helper()
	tree := vfs.NewTree([]string{"/workspace", "/home/flare/.config"})
	require.NoError(t, tree.WriteFile("/workspace/README.md", "# demo"))
	require.NoError(t, tree.WriteFile("/workspace/src/main.go", "package main\n"))
	s := NewShell(tree, opts)
	drain(t, s)
	return s
}

// drain returns everything the shell has produced so far.
func drain(t *testing.T, s *Shell) string {
	t.Helper()
	buf := make([]byte, 64*1024)
	n, err := s.Read(buf)
	if err == io.EOF {
		return ""
	}
	require.NoError(t, err)
	return string(buf[:n])
}

func run(t *testing.T, s *Shell, line string) string {
	t.Helper()
	_, err := s.Write([]byte(line + "\n"))
	require.NoError(t, err)
	return drain(t, s)
}

func TestShell_Commands(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"help", []string{"Available commands", "uname"}},
		{"pwd", []string{"/workspace\r\n"}},
		{"ls", []string{"README.md\r\n", "src/\r\n"}},
		{"ls /", []string{"home/", "workspace/"}},
		{"ls nowhere", []string{"ls: cannot access 'nowhere': No such file or directory"}},
		{"cat README.md", []string{"# demo\r\n"}},
		{"cat src", []string{"cat: src: Is a directory"}},
		{"cat", []string{"missing file operand"}},
		{"whoami", []string{"dev\r\n"}},
		{"env", []string{"HOME=/workspace", "USER=dev", "BURSTFLARE_SESSION_ID=ses_9", "EDITOR=vi"}},
		{"uname", []string{"Linux\r\n"}},
		{"uname -a", []string{"Linux box "}},
		{"rm -rf /", []string{"rm: command not found"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			s := newShell(t, ShellOptions{User: "dev", Hostname: "box", SessionID: "ses_9", Env: map[string]string{"EDITOR": "vi"}})
			out := run(t, s, tt.line)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			assert.True(t, strings.HasSuffix(out, "$ "), "prompt follows output: %q", out)
		})
	}
}

func TestShell_Navigation(t *testing.T) {
	s := newShell(t, ShellOptions{})

	out := run(t, s, "cd src")
	assert.True(t, strings.HasSuffix(out, "flare@burstflare:~/src$ "), "prompt = %q", out)
	assert.Contains(t, run(t, s, "pwd"), "/workspace/src")
	assert.Contains(t, run(t, s, "cat main.go"), "package main")

	assert.Contains(t, run(t, s, "cd main.go"), "cd: main.go: Not a directory")
	assert.Contains(t, run(t, s, "cd /nope"), "cd: /nope: No such file or directory")

	run(t, s, "cd /home/flare")
	assert.Contains(t, run(t, s, "ls"), ".config/")
	run(t, s, "cd")
	assert.Contains(t, run(t, s, "pwd"), "/workspace\r\n")
}

func TestShell_EchoWritesPersistedFiles(t *testing.T) {
	s := newShell(t, ShellOptions{})

	run(t, s, "echo first line > notes.txt")
	run(t, s, "echo second >> notes.txt")
	got, err := s.Tree().ReadFile("/workspace/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond\n", got)

	assert.Contains(t, run(t, s, "echo nope > /etc/motd"), "Read-only file system")
	assert.Contains(t, run(t, s, "echo plain words"), "plain words\r\n")
}

func TestShell_LineEditing(t *testing.T) {
	s := newShell(t, ShellOptions{Echo: true})

	_, err := s.Write([]byte("pwx\x7fd\r\n"))
	require.NoError(t, err)
	out := drain(t, s)
	assert.Contains(t, out, "pwx\b \bd\r\n")
	assert.Contains(t, out, "/workspace\r\n")
	assert.Equal(t, 1, strings.Count(out, "$ "), "CRLF runs the line once: %q", out)

	_, err = s.Write([]byte("garbage\x03"))
	require.NoError(t, err)
	assert.Contains(t, drain(t, s), "^C\r\n")
}

func TestShell_ExitEndsStream(t *testing.T) {
	s := newShell(t, ShellOptions{})

	_, err := s.Write([]byte("exit\nls\n"))
	require.NoError(t, err)
	assert.Equal(t, "logout\r\n", drain(t, s))

	n, err := s.Read(make([]byte, 10))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestShell_CtrlDOnEmptyLineExits(t *testing.T) {
	s := newShell(t, ShellOptions{})
	_, err := s.Write([]byte{0x04})
	require.NoError(t, err)
	assert.Equal(t, "logout\r\n", drain(t, s))
}

func TestShell_CloseUnblocksRead(t *testing.T) {
	s := newShell(t, ShellOptions{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 10))
		done <- err
	}()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-done, io.EOF)

	_, err := s.Write([]byte("pwd\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
