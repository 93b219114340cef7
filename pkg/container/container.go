// Package container detects whether the relay process is running inside
// a container, so startup logging can report it.
package container

import (
	"os"
	"strings"
)

// IsContainerised reports whether the process appears to be running in a
// container, checking the Docker env file, container cgroup entries and
// the Kubernetes service environment.
func IsContainerised() bool {
	return hasDockerEnvFile() || hasContainerCGroup() || inKubernetesPod()
}

func hasDockerEnvFile() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

// hasContainerCGroup looks for container runtime markers in the init
// process's cgroup file; absent or unreadable means "not containerised".
func hasContainerCGroup() bool {
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	content := string(data)
	return strings.Contains(content, "docker") ||
		strings.Contains(content, "containerd") ||
		strings.Contains(content, "kubepods")
}

func inKubernetesPod() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}
