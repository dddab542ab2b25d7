package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"burstflare/internal/vfs"
)

// ShellOptions describe the identity the shell reports.
type ShellOptions struct {
	User      string
	Hostname  string
	SessionID string
	// Echo repeats typed input back, for clients in raw terminal mode.
	Echo bool
	Env  map[string]string
}

// Shell is a line-oriented command interpreter over a vfs.Tree. It is an
// io.ReadWriteCloser: keystrokes are written in, terminal output is read out,
// and Read reports io.EOF after exit.
type Shell struct {
	tree *vfs.Tree
	opts ShellOptions
	cwd  string

	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	line   []byte
	lastCR bool
	exited bool
	closed bool
}

// NewShell starts a shell in the tree's home directory.
func NewShell(tree *vfs.Tree, opts ShellOptions) *Shell {
	if opts.User == "" {
		opts.User = "flare"
	}
	if opts.Hostname == "" {
		opts.Hostname = "burstflare"
	}
	s := &Shell{tree: tree, opts: opts, cwd: tree.Home()}
	s.cond = sync.NewCond(&s.mu)
	s.printf("BurstFlare session %s. Type 'help' for commands.\n", opts.SessionID)
	s.prompt()
	return s
}

// Tree returns the file tree the shell operates on.
func (s *Shell) Tree() *vfs.Tree { return s.tree }

func (s *Shell) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.out.Len() == 0 && !s.exited && !s.closed {
		s.cond.Wait()
	}
	if s.closed || s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

func (s *Shell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	defer s.cond.Broadcast()
	for _, b := range p {
		if s.exited {
			break
		}
		s.input(b)
	}
	return len(p), nil
}

func (s *Shell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

func (s *Shell) input(b byte) {
	cr := s.lastCR
	s.lastCR = b == '\r'
	switch b {
	case '\n':
		if cr {
			return
		}
		fallthrough
	case '\r':
		if s.opts.Echo {
			s.out.WriteString("\r\n")
		}
		line := string(s.line)
		s.line = s.line[:0]
		s.run(line)
		if !s.exited {
			s.prompt()
		}
	case 0x7f, '\b':
		if len(s.line) > 0 {
			s.line = s.line[:len(s.line)-1]
			if s.opts.Echo {
				s.out.WriteString("\b \b")
			}
		}
	case 0x03:
		s.line = s.line[:0]
		s.out.WriteString("^C\r\n")
		s.prompt()
	case 0x04:
		if len(s.line) == 0 {
			s.run("exit")
		}
	default:
		s.line = append(s.line, b)
		if s.opts.Echo {
			s.out.WriteByte(b)
		}
	}
}

// printf writes terminal output with CRLF line endings.
func (s *Shell) printf(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	s.out.WriteString(strings.ReplaceAll(text, "\n", "\r\n"))
}

func (s *Shell) prompt() {
	dir := s.cwd
	home := s.tree.Home()
	if home != "/" && (dir == home || strings.HasPrefix(dir, home+"/")) {
		dir = "~" + strings.TrimPrefix(dir, home)
	}
	s.out.WriteString(fmt.Sprintf("%s@%s:%s$ ", s.opts.User, s.opts.Hostname, dir))
}

func (s *Shell) resolve(p string) string {
	home := s.tree.Home()
	switch {
	case p == "~":
		return home
	case strings.HasPrefix(p, "~/"):
		return path.Join(home, p[2:])
	case path.IsAbs(p):
		return path.Clean(p)
	default:
		return path.Join(s.cwd, p)
	}
}

type command func(s *Shell, args []string)

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":   (*Shell).help,
		"pwd":    (*Shell).pwd,
		"ls":     (*Shell).ls,
		"cd":     (*Shell).cd,
		"cat":    (*Shell).cat,
		"echo":   (*Shell).echo,
		"whoami": (*Shell).whoami,
		"env":    (*Shell).env,
		"uname":  (*Shell).uname,
		"exit":   (*Shell).exit,
	}
}

func (s *Shell) run(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		s.printf("%s: command not found\n", fields[0])
		return
	}
	cmd(s, fields[1:])
}

func (s *Shell) help(_ []string) {
	s.printf("Available commands:\n" +
		"  help              show this message\n" +
		"  pwd               print the working directory\n" +
		"  ls [path]         list a directory\n" +
		"  cd [path]         change directory\n" +
		"  cat <file>...     print files\n" +
		"  echo [text] [> file]\n" +
		"  whoami            print the user name\n" +
		"  env               print the environment\n" +
		"  uname [-a]        print system information\n" +
		"  exit              close the session\n")
}

func (s *Shell) pwd(_ []string) {
	s.printf("%s\n", s.cwd)
}

func describe(err error) string {
	switch {
	case errors.Is(err, vfs.ErrNotExist):
		return "No such file or directory"
	case errors.Is(err, vfs.ErrIsDir):
		return "Is a directory"
	case errors.Is(err, vfs.ErrNotDir):
		return "Not a directory"
	case errors.Is(err, vfs.ErrNotPersisted):
		return "Read-only file system"
	default:
		return err.Error()
	}
}

func (s *Shell) ls(args []string) {
	targets := args
	if len(targets) == 0 {
		targets = []string{"."}
	}
	for i, arg := range targets {
		p := s.resolve(arg)
		entries, err := s.tree.ReadDir(p)
		if errors.Is(err, vfs.ErrNotDir) {
			s.printf("%s\n", arg)
			continue
		}
		if err != nil {
			s.printf("ls: cannot access '%s': %s\n", arg, describe(err))
			continue
		}
		if len(targets) > 1 {
			if i > 0 {
				s.printf("\n")
			}
			s.printf("%s:\n", arg)
		}
		for _, e := range entries {
			if e.IsDir {
				s.printf("%s/\n", e.Name)
			} else {
				s.printf("%s\n", e.Name)
			}
		}
	}
}

func (s *Shell) cd(args []string) {
	target := s.tree.Home()
	if len(args) > 0 {
		target = s.resolve(args[0])
	}
	if !s.tree.IsDir(target) {
		_, err := s.tree.ReadFile(target)
		if err == nil {
			err = vfs.ErrNotDir
		}
		s.printf("cd: %s: %s\n", args[0], describe(err))
		return
	}
	s.cwd = target
}

func (s *Shell) cat(args []string) {
	if len(args) == 0 {
		s.printf("cat: missing file operand\n")
		return
	}
	for _, arg := range args {
		content, err := s.tree.ReadFile(s.resolve(arg))
		if err != nil {
			s.printf("cat: %s: %s\n", arg, describe(err))
			continue
		}
		s.printf("%s", content)
		if content != "" && !strings.HasSuffix(content, "\n") {
			s.printf("\n")
		}
	}
}

func (s *Shell) echo(args []string) {
	for i, a := range args {
		if a != ">" && a != ">>" {
			continue
		}
		if i+1 >= len(args) {
			s.printf("echo: syntax error near unexpected token `newline'\n")
			return
		}
		target := s.resolve(args[i+1])
		text := strings.Join(args[:i], " ") + "\n"
		if a == ">>" {
			prev, err := s.tree.ReadFile(target)
			if err != nil && !errors.Is(err, vfs.ErrNotExist) {
				s.printf("echo: %s: %s\n", args[i+1], describe(err))
				return
			}
			text = prev + text
		}
		if err := s.tree.WriteFile(target, text); err != nil {
			s.printf("echo: %s: %s\n", args[i+1], describe(err))
		}
		return
	}
	s.printf("%s\n", strings.Join(args, " "))
}

func (s *Shell) whoami(_ []string) {
	s.printf("%s\n", s.opts.User)
}

func (s *Shell) environ() map[string]string {
	env := map[string]string{
		"HOME":     s.tree.Home(),
		"HOSTNAME": s.opts.Hostname,
		"PWD":      s.cwd,
		"SHELL":    "/bin/flaresh",
		"TERM":     "xterm-256color",
		"USER":     s.opts.User,
	}
	if s.opts.SessionID != "" {
		env["BURSTFLARE_SESSION_ID"] = s.opts.SessionID
	}
	for k, v := range s.opts.Env {
		env[k] = v
	}
	return env
}

func (s *Shell) env(_ []string) {
	env := s.environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.printf("%s=%s\n", k, env[k])
	}
}

func (s *Shell) uname(args []string) {
	if len(args) > 0 && args[0] == "-a" {
		s.printf("Linux %s 6.1.0-burstflare #1 SMP x86_64 GNU/Linux\n", s.opts.Hostname)
		return
	}
	s.printf("Linux\n")
}

func (s *Shell) exit(_ []string) {
	s.printf("logout\n")
	s.exited = true
}
