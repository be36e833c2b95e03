// Package gpu checks host resources before a conversion runs: free GPU
// memory reported by nvidia-smi and free disk space on the output volume.
package gpu

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Guard implements the task manager's resource check.
type Guard struct {
	// NvidiaSMIPath is the nvidia-smi binary; empty means "nvidia-smi" on PATH.
	NvidiaSMIPath string
	// RequiredFreeMB is the minimum free memory on the best GPU.
	RequiredFreeMB int
	Logger         *zap.Logger

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewGuard returns a Guard that shells out to nvidia-smi.
func NewGuard(smiPath string, requiredMB int, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{NvidiaSMIPath: smiPath, RequiredFreeMB: requiredMB, Logger: logger}
}

// FreeMemoryMB returns the free memory of every visible GPU.
func (g *Guard) FreeMemoryMB(ctx context.Context) ([]int, error) {
	bin := g.NvidiaSMIPath
	if bin == "" {
		bin = "nvidia-smi"
	}
	run := g.run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := run(ctx, bin, "--query-gpu=memory.free", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}
	return parseFree(out)
}

func parseFree(out []byte) ([]int, error) {
	var free []int
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(strings.Fields(line)[0])
		if err != nil {
			return nil, err
		}
		free = append(free, n)
	}
	if len(free) == 0 {
		return nil, errors.New("nvidia-smi reported no GPUs")
	}
	return free, nil
}

// CheckAvailable reports whether some GPU has at least RequiredFreeMB free.
// Hosts without nvidia-smi run MinerU on the CPU and always pass.
func (g *Guard) CheckAvailable(ctx context.Context) bool {
	if g.RequiredFreeMB <= 0 {
		return true
	}
	free, err := g.FreeMemoryMB(ctx)
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			g.Logger.Debug("nvidia-smi not found, assuming cpu mode")
			return true
		}
		g.Logger.Warn("gpu memory query failed", zap.Error(err))
		return true
	}
	best := 0
	for _, f := range free {
		if f > best {
			best = f
		}
	}
	if best < g.RequiredFreeMB {
		g.Logger.Warn("insufficient gpu memory",
			zap.Int("free_mb", best), zap.Int("required_mb", g.RequiredFreeMB))
		return false
	}
	return true
}

// Cleanup returns freed heap memory to the OS after a conversion.
func (g *Guard) Cleanup() {
	runtime.GC()
	debug.FreeOSMemory()
}
