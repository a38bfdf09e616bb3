package spawner

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// stdioPromptFlag marks an agent child that was parented by a daemon: only
// daemon-spawned children run with permission prompts over stdio.
const stdioPromptFlag = "--permission-prompt-tool=stdio"

// SweepOrphans terminates agent children left behind by a previous daemon
// instance. Such a child is blocked forever on a permission prompt nobody
// will answer. Returns the number of processes signalled.
func SweepOrphans(log *logger.Logger) int {
	return sweepOrphans("/proc", log)
}

func sweepOrphans(procDir string, log *logger.Logger) int {
	entries, err := os.ReadDir(procDir)
	if err != nil {
		log.Warn("orphan sweep: cannot read proc", zap.Error(err))
		return 0
	}

	self := os.Getpid()
	swept := 0
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join(procDir, entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		// cmdline is NUL-separated argv
		if !bytes.Contains(cmdline, []byte(stdioPromptFlag)) {
			continue
		}
		log.Info("orphan sweep: terminating stale agent child", zap.Int("pid", pid))
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			log.Warn("orphan sweep: signal failed", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		swept++
	}
	return swept
}
