//go:build windows

package procsup

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/osbinding"
)

// stopTimeout bounds how long StopAll waits for each child before force-kill
// (§4.2: "wait up to 5 s each").
const stopTimeout = 5 * time.Second

// procState tracks one supervised child process.
type procState struct {
	name ProcessName
	cmd  *exec.Cmd
	done chan struct{} // closed once Wait() returns
	exit int
}

// Supervisor owns at most one instance of each helper executable and
// relays its captured output and exit on a dedicated channel (§4.2).
type Supervisor struct {
	mu    sync.Mutex
	procs map[ProcessName]*procState

	events      chan ProcessEvent
	resourceDir string // where pingtunnel-client/tun2socks binaries live

	exeOverride map[ProcessName]string // test seam: bypasses binaryPath's .exe lookup
}

// New creates a Supervisor. resourceDir is the directory the two helper
// binaries are shipped in; it doubles as the prefix used for orphan
// cleanup at startup.
func New(resourceDir string) *Supervisor {
	return &Supervisor{
		procs:       make(map[ProcessName]*procState),
		events:      make(chan ProcessEvent, 256),
		resourceDir: resourceDir,
	}
}

// Events returns the channel consumers drain for LineReceived/Exited
// events. Never closed during the Supervisor's lifetime.
func (s *Supervisor) Events() <-chan ProcessEvent { return s.events }

// SetExeOverride redirects name's binary lookup to path, bypassing
// resourceDir/<name>.exe. Test seam for other packages exercising the
// Connection State Machine against a Supervisor without the real helper
// binaries installed.
func (s *Supervisor) SetExeOverride(name ProcessName, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exeOverride == nil {
		s.exeOverride = make(map[ProcessName]string)
	}
	s.exeOverride[name] = path
}

func (s *Supervisor) binaryPath(name ProcessName) string {
	if path, ok := s.exeOverride[name]; ok {
		return path
	}
	return filepath.Join(s.resourceDir, string(name)+".exe")
}

// start launches name with argv, wiring stdout/stderr line capture to the
// events channel. logArgv is what actually gets logged (token-redacted).
func (s *Supervisor) start(name ProcessName, argv, logArgv []string) error {
	s.mu.Lock()
	if _, alive := s.procs[name]; alive {
		s.mu.Unlock()
		return fmt.Errorf("procsup: %s already running", name)
	}
	s.mu.Unlock()

	path := s.binaryPath(name)
	core.Log.Infof("procsup", "starting %s: %s %s", name, path, strings.Join(logArgv, " "))

	cmd := exec.Command(path, argv...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("procsup: stdout pipe for %s: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("procsup: stderr pipe for %s: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("procsup: start %s: %w", name, err)
	}

	st := &procState{name: name, cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.procs[name] = st
	s.mu.Unlock()

	var lineWG sync.WaitGroup
	lineWG.Add(2)
	go s.relayLines(name, stdout, &lineWG)
	go s.relayLines(name, stderr, &lineWG)

	go func() {
		lineWG.Wait()
		err := cmd.Wait()
		code := exitCode(err)

		s.mu.Lock()
		st.exit = code
		delete(s.procs, name)
		s.mu.Unlock()
		close(st.done)

		s.events <- ProcessEvent{Kind: Exited, Name: name, Code: code}
	}()

	return nil
}

func (s *Supervisor) relayLines(name ProcessName, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		s.events <- ProcessEvent{Kind: LineReceived, Name: name, Line: scanner.Text()}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// StartTunnelClient starts pingtunnel-client with the ICMP-tunnel argv
// (§4.2/§6). token is redacted before anything is logged.
func (s *Supervisor) StartTunnelClient(server string, localPort int, token string, opts ClientArgvOptions) error {
	argv := BuildClientArgv(server, localPort, token, opts)
	return s.start(PingtunnelClient, argv, RedactArgv(argv))
}

// StartRouter starts tun2socks with UDP forwarding left disabled (§4.2/§6).
func (s *Supervisor) StartRouter(socksPort, mtu int) error {
	argv := BuildRouterArgv(socksPort, mtu)
	return s.start(Tun2Socks, argv, argv)
}

// IsAlive reports whether name's process has not yet exited.
func (s *Supervisor) IsAlive(name ProcessName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, alive := s.procs[name]
	return alive
}

// StopAll tree-kills the router first, then the client, waiting up to
// stopTimeout for each to exit before forcing (§4.2).
func (s *Supervisor) StopAll() error {
	var errs []string
	for _, name := range []ProcessName{Tun2Socks, PingtunnelClient} {
		if err := s.stop(name); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("procsup: stop_all: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *Supervisor) stop(name ProcessName) error {
	s.mu.Lock()
	st, alive := s.procs[name]
	s.mu.Unlock()
	if !alive {
		return nil
	}

	pid := st.cmd.Process.Pid
	core.Log.Infof("procsup", "stopping %s (pid %d)", name, pid)
	treeKill(pid)

	select {
	case <-st.done:
		return nil
	case <-time.After(stopTimeout):
		core.Log.Warnf("procsup", "%s did not exit within %s, forcing kill", name, stopTimeout)
		_ = st.cmd.Process.Kill()
		<-st.done
		return nil
	}
}

// treeKill asks taskkill to terminate pid and its descendants (§4.7's
// cancellation note: "tree-kill so orphaned grandchildren cannot survive").
func treeKill(pid int) {
	_ = exec.Command("taskkill", "/T", "/F", "/PID", fmt.Sprint(pid)).Run()
}

// CleanOrphans kills any running instance of either helper executable whose
// image path starts with the Supervisor's resource directory (§4.2). Safe
// because no other product ships these images from that path.
func (s *Supervisor) CleanOrphans(pc osbinding.ProcessControl) error {
	prefix := filepath.Clean(s.resourceDir)
	pids, err := pc.FindOrphans(prefix)
	if err != nil {
		return fmt.Errorf("procsup: find orphans: %w", err)
	}
	for _, pid := range pids {
		core.Log.Warnf("procsup", "killing orphaned helper process pid=%d", pid)
		if err := pc.Kill(pid); err != nil {
			core.Log.Warnf("procsup", "kill orphan pid=%d: %v", pid, err)
		}
	}
	return nil
}
