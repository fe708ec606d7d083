// Package manager supervises one trader subprocess per enabled account:
// spawn, IPC client, state mirror, push fan-in, crash restart with a rolling
// limit, and graceful shutdown.
package manager

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Environment variables a spawned trader reads at startup. The manager
// re-executes its own binary with the role switched.
const (
	EnvRole    = "QTRADER_ROLE"
	EnvAccount = "QTRADER_ACCOUNT"
	EnvConfig  = "QTRADER_CONFIG"

	RoleManager = "manager"
	RoleTrader  = "trader"
)

// Spawner starts and signals trader subprocesses. Separated from the proxy
// so its state machine is testable without forking.
type Spawner interface {
	Spawn(accountID string) (pid int, err error)
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

// execSpawner re-executes the running binary with QTRADER_ROLE=trader.
type execSpawner struct {
	configPath string
	log        zerolog.Logger
}

func newExecSpawner(configPath string, log zerolog.Logger) *execSpawner {
	return &execSpawner{configPath: configPath, log: log}
}

func (s *execSpawner) Spawn(accountID string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("manager: resolve own binary: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		EnvRole+"="+RoleTrader,
		EnvAccount+"="+accountID,
		EnvConfig+"="+s.configPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// own process group: a Ctrl-C on the manager terminal must not reach
	// the traders before the manager's ordered shutdown does
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("manager: spawn trader %s: %w", accountID, err)
	}
	pid := cmd.Process.Pid
	s.log.Info().Str("account_id", accountID).Int("pid", pid).Msg("Trader spawned")

	// reap the child when it exits so it never lingers as a zombie
	go func() {
		if err := cmd.Wait(); err != nil {
			s.log.Warn().Err(err).Str("account_id", accountID).Int("pid", pid).Msg("Trader process exited")
		}
	}()
	return pid, nil
}

func (s *execSpawner) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (s *execSpawner) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// writePIDFile records a spawned trader's pid next to its socket.
func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}
