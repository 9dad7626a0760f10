package connection

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/gridsync/gridsync/internal/core/observability/log"
)

// LaunchProcess starts the expanded launch command of a connection
// description and does not wait for it. The launched node announces itself
// with a callback connection; failure to do so within the launch timeout is
// the caller's connect failure.
func LaunchProcess(command string, logger log.Log) error {
	argv := SplitCommand(command)
	if len(argv) == 0 {
		return ErrEmptyLaunchCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %q: %w", argv[0], err)
	}

	logger.Info("node process launched",
		log.String("command", argv[0]),
		log.Int("pid", cmd.Process.Pid))

	// Reap the child when it exits; the cluster protocol, not the process
	// status, decides whether the launch succeeded.
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("launched node exited with error",
				log.String("command", argv[0]), log.Error(err))
		}
	}()

	return nil
}
