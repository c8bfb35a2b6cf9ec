// Package lockfile keeps a single daemon instance per schedule directory by
// way of a PID file.
package lockfile

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const (
	fileName = "svcron.pid"
	subDir   = "svcron"
	// The kernel truncates /proc/<pid>/comm to 15 bytes.
	commLen = 15
)

var ErrAlreadyRunning = errors.New("already running")

// Options configures Acquire. Zero values select the host defaults.
type Options struct {
	Fs afero.Fs
	// RunDirs are tried in order; the first that exists holds the lock
	// directory. Defaults to /run, /var/run and finally /tmp.
	RunDirs []string
	// SpoolOverride is the schedule directory given on the command line.
	// Each such directory gets its own PID file.
	SpoolOverride string
	Program       string
	ProcRoot      string
	PID           int
}

// Lock is a held PID file.
type Lock struct {
	fs   afero.Fs
	path string
	pid  int
}

func (o *Options) defaults() {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if len(o.RunDirs) == 0 {
		o.RunDirs = []string{"/run", "/var/run", "/tmp"}
	}
	if o.Program == "" {
		o.Program = "svcron"
	}
	if o.ProcRoot == "" {
		o.ProcRoot = "/proc"
	}
	if o.PID <= 0 {
		o.PID = os.Getpid()
	}
}

// Path returns where the PID file for opts lives, creating nothing.
func Path(opts Options) string {
	opts.defaults()
	runDir := opts.RunDirs[len(opts.RunDirs)-1]
	for _, d := range opts.RunDirs {
		if ok, _ := afero.DirExists(opts.Fs, d); ok {
			runDir = d
			break
		}
	}
	name := fileName
	if opts.SpoolOverride != "" {
		h := fnv.New64a()
		_, _ = h.Write([]byte(filepath.Clean(opts.SpoolOverride)))
		name = fmt.Sprintf("%016x.pid", h.Sum64())
	}
	return filepath.Join(runDir, subDir, name)
}

// Acquire writes the PID file. A stale file, one naming a dead process or a
// process running some other program, is replaced. A file naming a live
// process with our program name yields ErrAlreadyRunning.
func Acquire(opts Options) (*Lock, error) {
	opts.defaults()
	path := Path(opts)
	if err := opts.Fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := opts.Fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(opts.PID) + "\n")
			cerr := f.Close()
			if werr != nil {
				return nil, fmt.Errorf("write %s: %w", path, werr)
			}
			if cerr != nil {
				return nil, fmt.Errorf("write %s: %w", path, cerr)
			}
			return &Lock{fs: opts.Fs, path: path, pid: opts.PID}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		pid, err := readPID(opts.Fs, path)
		if err == nil && pid == opts.PID {
			return &Lock{fs: opts.Fs, path: path, pid: pid}, nil
		}
		if err == nil && sameProgram(opts.Fs, opts.ProcRoot, pid, opts.Program) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrAlreadyRunning)
		}
		if err := opts.Fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("lock %s: gave up after repeated stale files", path)
}

// Path returns the file location.
func (l *Lock) Path() string { return l.path }

func (l *Lock) PID() int { return l.pid }

// Release removes the PID file if it still names this process.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	pid, err := readPID(l.fs, l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != l.pid {
		return nil
	}
	if err := l.fs.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readPID(fs afero.Fs, path string) (int, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID %d in %s", pid, path)
	}
	return pid, nil
}

// sameProgram reports whether pid is alive and runs program, judged by its
// /proc comm entry.
func sameProgram(fs afero.Fs, procRoot string, pid int, program string) bool {
	data, err := afero.ReadFile(fs, filepath.Join(procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return false
	}
	want := filepath.Base(program)
	if len(want) > commLen {
		want = want[:commLen]
	}
	return strings.TrimSpace(string(data)) == want
}
