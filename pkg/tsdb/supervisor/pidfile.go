package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// WritePIDFile records the pid of instance at path.
func WritePIDFile(path string, instance *ServerInstance) error {
	return os.WriteFile(path, []byte(strconv.Itoa(instance.PID())+"\n"), 0644)
}

func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Attach rebuilds a Ready instance for a server started by another
// invocation and recorded in pidFile. ErrNotRunning is returned when the
// recorded process is gone.
func Attach(pidFile, address, storagePath string) (*ServerInstance, error) {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return nil, err
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrNotRunning, pid, err)
	}
	instance := newInstance(address, storagePath, proc, nil)
	instance.setState(Ready)
	return instance, nil
}
