package driver

import (
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// shellNames are the process names exec recognizes as an interactive
// shell rather than a one-shot command line; these run directly instead
// of being wrapped in another shell.
var shellNames = map[string]bool{
	"sh": true, "/bin/sh": true, "/usr/bin/sh": true,
	"bash": true, "/bin/bash": true, "/usr/bin/bash": true,
	"zsh": true, "/bin/zsh": true, "/usr/bin/zsh": true,
}

var windowsShellNames = map[string]bool{
	"cmd": true, "cmd.exe": true, "powershell": true, "powershell.exe": true,
}

func isShell(process string) bool {
	p := strings.ToLower(strings.TrimSpace(process))
	if runtime.GOOS == "windows" {
		return windowsShellNames[p]
	}
	return shellNames[p]
}

// spawn builds the exec.Cmd for process: a recognized shell runs
// directly, anything else is handed to the platform shell so pipes and
// redirects in the command string still work.
func spawn(process string) *exec.Cmd {
	if isShell(process) {
		return exec.Command(process)
	}
	if runtime.GOOS == "windows" {
		return exec.Command("cmd.exe", "/c", process)
	}
	return exec.Command("/bin/sh", "-c", process)
}

// ExecDriver tunnels a session's byte stream through a spawned child
// process: bytes received from the session become the process's stdin,
// and stdout/stderr become the session's outgoing stream.
type ExecDriver struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending []byte

	mu         sync.Mutex
	isShutdown bool

	log *zap.Logger
}

// NewExecDriver spawns process and returns a driver tunneling its
// stdin/stdout. If logger is nil, a no-op logger is used.
func NewExecDriver(process string, logger *zap.Logger) (*ExecDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &ExecDriver{
		cmd: spawn(process),
		log: logger.With(zap.String("process", process)),
	}

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	d.stdin = stdin

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	d.cmd.Stderr = d.cmd.Stdout

	if err := d.cmd.Start(); err != nil {
		return nil, err
	}
	d.log.Info("process started", zap.Int("pid", d.cmd.Process.Pid))

	go d.drainOutput(stdout)
	go d.awaitExit()

	return d, nil
}

func (d *ExecDriver) drainOutput(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.mu.Lock()
			d.pending = append(d.pending, buf[:n]...)
			d.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				d.log.Debug("process output closed", zap.Error(err))
			}
			return
		}
	}
}

func (d *ExecDriver) awaitExit() {
	err := d.cmd.Wait()
	d.log.Info("process exited", zap.Error(err))
	d.mu.Lock()
	d.isShutdown = true
	d.mu.Unlock()
}

// DataReceived writes data to the process's stdin.
func (d *ExecDriver) DataReceived(data []byte) {
	if d.stdin == nil {
		return
	}
	if _, err := d.stdin.Write(data); err != nil {
		d.log.Debug("write to process stdin", zap.Error(err))
	}
}

// GetOutgoing returns buffered process output, up to maxLength bytes
// (0 or negative means unbounded), or nil once the process has exited
// and nothing remains buffered.
func (d *ExecDriver) GetOutgoing(maxLength int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isShutdown && len(d.pending) == 0 {
		return nil
	}
	if len(d.pending) == 0 {
		return []byte{}
	}

	sendLen := len(d.pending)
	if maxLength > 0 && sendLen > maxLength {
		sendLen = maxLength
	}

	result := make([]byte, sendLen)
	copy(result, d.pending[:sendLen])
	d.pending = d.pending[sendLen:]
	return result
}

// Close terminates the process if still running.
func (d *ExecDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isShutdown {
		return
	}
	d.isShutdown = true

	if d.stdin != nil {
		d.stdin.Close()
	}
	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
}

// IsClosed reports whether the process has exited or been killed.
func (d *ExecDriver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isShutdown
}
