//go:build windows

// Command pingtunnel-vpn is the Connection Supervisor daemon: it gates
// startup (single instance, elevation), replays the Recovery Journal,
// constructs the Connection State Machine, and then idles until an OS
// signal or SCM stop request asks it to shut down.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/crash"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/osbinding"
	"pingtunnel-vpn/internal/osbinding/windows"
	"pingtunnel-vpn/internal/procsup"
	"pingtunnel-vpn/internal/supervisor"
	"pingtunnel-vpn/internal/winsvc"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// stopCh signals shutdown from the SCM.
var stopCh = make(chan struct{}, 1)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install":
			handleInstall()
			return
		case "uninstall":
			handleUninstall()
			return
		case "start":
			handleStart()
			return
		case "stop":
			handleStop()
			return
		}
	}

	dataDir := flag.String("data-dir", "data", "Directory for configs, global settings and the recovery journal")
	resourceDir := flag.String("resource-dir", "bin", "Directory containing pingtunnel-client.exe and tun2socks.exe")
	logLevel := flag.String("log-level", "info", "Global log level (debug, info, warn, error, off)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	serviceMode := flag.Bool("service", false, "Run as Windows Service (used by SCM)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pingtunnel-vpn %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	core.Log = core.NewLogger(core.LogConfig{Level: *logLevel})

	resolvedData := resolveRelativeToExe(*dataDir)
	resolvedResources := resolveRelativeToExe(*resourceDir)

	if *serviceMode || winsvc.IsWindowsService() {
		runFunc := func() error {
			return runDaemon(resolvedData, resolvedResources)
		}
		stopFunc := func() { close(stopCh) }
		if err := winsvc.RunService(runFunc, stopFunc); err != nil {
			core.Log.Fatalf("main", "service failed: %v", err)
		}
		return
	}

	if err := runDaemon(resolvedData, resolvedResources); err != nil {
		core.Log.Fatalf("main", "fatal: %v", err)
	}
}

// runDaemon implements the §4.9 startup gate, §4.3 crash recovery, and the
// idle-until-shutdown main loop. It returns nil on a clean exit.
func runDaemon(dataDir, resourceDir string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("main: resolve own executable: %w", err)
	}
	exeName := filepath.Base(exe)

	si, shouldExit := crash.EnsureSingleInstance(exeName)
	if shouldExit {
		return nil
	}

	bindings := windows.New(dataDir)

	if crash.EnsureElevated(bindings, si) {
		return nil
	}

	if err := bindings.Open(); err != nil {
		return fmt.Errorf("main: open firewall session: %w", err)
	}
	defer bindings.Close()

	core.Log.Infof("main", "pingtunnel-vpn %s starting (data=%s, resources=%s)", version, dataDir, resourceDir)

	sweepOrphanFirewallRules(bindings)

	bus := core.NewEventBus()

	store := config.NewStore(dataDir, bus)
	if err := store.Load(); err != nil {
		return fmt.Errorf("main: load config: %w", err)
	}

	procs := procsup.New(resourceDir)
	if err := procs.CleanOrphans(bindings); err != nil {
		core.Log.Warnf("main", "orphan cleanup: %v", err)
	}

	jr := journal.New(dataDir)
	if needsRecovery, err := jr.NeedsRecovery(); err != nil {
		core.Log.Warnf("main", "check recovery journal: %v", err)
	} else if needsRecovery {
		core.Log.Warnf("main", "recovering from an unclean previous run")
		if err := jr.Recover(bindings, bindings, bindings, bindings, resourceDir); err != nil {
			core.Log.Errorf("main", "journal recovery: %v", err)
		}
	}

	sm := supervisor.New(bus, bindings, store, jr, procs, resourceDir)
	defer sm.Close()

	handler := crash.NewHandler(sm)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	core.Log.Infof("main", "ready, waiting for connect requests and shutdown signals")

	handler.Guard("main-loop", func() {
		select {
		case <-sig:
			core.Log.Infof("main", "OS signal received, shutting down")
		case <-stopCh:
			core.Log.Infof("main", "SCM stop received, shutting down")
		}
	})

	if sm.State() == core.StateConnected {
		if err := sm.Disconnect(nil); err != nil {
			core.Log.Errorf("main", "shutdown disconnect: %v", err)
		}
	}

	core.Log.Infof("main", "exiting cleanly")
	core.Log.Close()
	return nil
}

// sweepOrphanFirewallRules removes any owned-prefix WFP rule still present
// from a crashed previous run. The session is persistent (non-dynamic), so
// Windows does not tear these down on its own; Open has already loaded the
// on-disk rule registry, so this is safe to run before the journal/process
// orphan cleanup above.
func sweepOrphanFirewallRules(bindings osbinding.Firewall) {
	names, err := bindings.ListRulesWithPrefix(osbinding.FirewallRulePrefix)
	if err != nil {
		core.Log.Warnf("main", "list owned firewall rules: %v", err)
		return
	}
	for _, name := range names {
		core.Log.Warnf("main", "removing orphaned firewall rule %q from a previous run", name)
		if err := bindings.RemoveRule(name); err != nil {
			core.Log.Warnf("main", "remove orphaned firewall rule %q: %v", name, err)
		}
	}
}

func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}

func handleInstall() {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "Directory for configs, global settings and the recovery journal (optional)")
	fs.Parse(os.Args[2:])

	exePath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine executable path: %v\n", err)
		os.Exit(1)
	}

	if err := winsvc.InstallService(exePath, *dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service installed successfully.")
}

func handleUninstall() {
	if err := winsvc.UninstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service uninstalled successfully.")
}

func handleStart() {
	if err := winsvc.StartService(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service started successfully.")
}

func handleStop() {
	if err := winsvc.StopService(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service stopped successfully.")
}
