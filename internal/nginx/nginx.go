package nginx

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/hostwatch/hostwatch/internal/logger"
)

// State tracks the engine lifecycle. Rollback loops reloading back to
// running.
type State string

const (
	StateNew       State = "new"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateReloading State = "reloading"
	StateStopped   State = "stopped"
)

// Driver owns one nginx master process and the two files it reads. Update
// is the only mutation path: it atomically swaps the vhost file, validates
// it with the engine's own config test and rolls back on any failure, so
// the running engine only ever sees text that passed validation.
type Driver struct {
	binary   string
	confPath string // nginx.conf
	hostPath string // rendered vhost file
	log      logger.Logger

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	lastGood string
}

func NewDriver(binary, confDir string, log logger.Logger) *Driver {
	if binary == "" {
		binary = "nginx"
	}
	return &Driver{
		binary:   binary,
		confPath: filepath.Join(confDir, "nginx.conf"),
		hostPath: filepath.Join(confDir, "conf.d", "hostwatch.conf"),
		log:      log,
		state:    StateNew,
	}
}

// HostPath is where the rendered vhost file lives.
func (d *Driver) HostPath() string { return d.hostPath }

// Setup writes the initial configuration and starts the engine. A failure
// to come up is fatal to the caller: nothing can be proxied without it.
func (d *Driver) Setup(baseConfig, hostConfig string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateNew {
		return fmt.Errorf("setup called in state %s", d.state)
	}
	d.state = StateStarting

	if err := os.MkdirAll(filepath.Dir(d.hostPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := atomicWrite(d.confPath, baseConfig); err != nil {
		return err
	}
	if err := atomicWrite(d.hostPath, hostConfig); err != nil {
		return err
	}
	if err := d.configTest(); err != nil {
		return fmt.Errorf("initial configuration rejected: %w", err)
	}

	cmd := exec.Command(d.binary, "-c", d.confPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", d.binary, err)
	}
	d.cmd = cmd
	d.lastGood = hostConfig
	d.state = StateRunning
	d.log.Info("proxy engine started", logger.Int("pid", cmd.Process.Pid))
	return nil
}

// Update replaces the vhost file with config. It reports whether a reload
// happened: identical text with force unset is a no-op. On config-test or
// reload failure the previous text is restored and the error carries a
// unified diff of the rejected change.
func (d *Driver) Update(config string, force bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return false, fmt.Errorf("update called in state %s", d.state)
	}
	if config == d.lastGood && !force {
		d.log.Debug("configuration unchanged, skipping reload")
		return false, nil
	}
	d.state = StateReloading
	defer func() { d.state = StateRunning }()

	previous := d.lastGood
	if err := atomicWrite(d.hostPath, config); err != nil {
		return false, err
	}
	if err := d.configTest(); err != nil {
		d.rollback(previous)
		return false, fmt.Errorf("configuration rejected: %w\n%s", err, unifiedDiff(previous, config))
	}
	if err := d.reload(); err != nil {
		d.rollback(previous)
		return false, fmt.Errorf("reload failed: %w\n%s", err, unifiedDiff(previous, config))
	}
	d.lastGood = config
	d.log.Info("proxy engine reloaded")
	return true, nil
}

// Stop asks the engine to quit and waits for it.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateStopped || d.cmd == nil {
		d.state = StateStopped
		return nil
	}
	d.state = StateStopped
	if err := d.cmd.Process.Signal(syscall.SIGQUIT); err != nil {
		return fmt.Errorf("failed to signal engine: %w", err)
	}
	if err := d.cmd.Wait(); err != nil {
		// SIGQUIT exits non-zero on some builds, not worth surfacing
		d.log.Debug("engine exit", logger.Error(err))
	}
	d.log.Info("proxy engine stopped")
	return nil
}

func (d *Driver) configTest() error {
	out, err := exec.Command(d.binary, "-t", "-c", d.confPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s -t: %w: %s", d.binary, err, out)
	}
	return nil
}

func (d *Driver) reload() error {
	return d.cmd.Process.Signal(syscall.SIGHUP)
}

func (d *Driver) rollback(previous string) {
	if err := atomicWrite(d.hostPath, previous); err != nil {
		d.log.Error("rollback write failed", logger.Error(err))
	}
}

// atomicWrite writes via a sibling temp file and rename so the engine never
// reads a half-written config.
func atomicWrite(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func unifiedDiff(previous, rejected string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(rejected),
		FromFile: "accepted",
		ToFile:   "rejected",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}
