// Package containers implements the container-identity heuristics used to
// tag a Task: first try the process's cgroup paths, falling back to an
// ancestor-image heuristic when cgroups carry no usable signal.
package containers

import (
	"path"
	"regexp"
	"strings"
)

// Kind names the container runtime a Task appears to run under.
type Kind string

const (
	KindNone       Kind = ""
	KindDocker     Kind = "docker"
	KindContainerd Kind = "containerd"
	KindLXC        Kind = "lxc"
	KindPodman     Kind = "podman"
)

// Container is the tag attached to a Task once identity is known.
type Container struct {
	Kind Kind
	ID   string
}

var hexID = regexp.MustCompile(`[0-9a-f]{12,64}`)

// FromCgroups inspects a process's cgroup path list, looking for runtime
// markers. Returns ok=false if no recognizable marker is present.
func FromCgroups(cgroups []string) (Container, bool) {
	for _, cg := range cgroups {
		switch {
		case strings.Contains(cg, "docker"):
			return Container{Kind: KindDocker, ID: extractID(cg)}, true
		case strings.Contains(cg, "libpod") || strings.Contains(cg, "podman"):
			return Container{Kind: KindPodman, ID: extractID(cg)}, true
		case strings.Contains(cg, "containerd"):
			return Container{Kind: KindContainerd, ID: extractID(cg)}, true
		case strings.Contains(cg, "lxc"):
			return Container{Kind: KindLXC, ID: lxcName(cg)}, true
		}
	}
	return Container{}, false
}

func extractID(cgroupPath string) string {
	if id := hexID.FindString(path.Base(cgroupPath)); id != "" {
		return id
	}
	return hexID.FindString(cgroupPath)
}

func lxcName(cgroupPath string) string {
	parts := strings.Split(strings.Trim(cgroupPath, "/"), "/")
	for i, p := range parts {
		if p == "lxc" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// FromAncestors applies the ancestor-image heuristic: an ancestor named
// containerd-shim implies the containerd runtime even when cgroups carried
// no marker (common for short-lived or host-namespace processes).
func FromAncestors(images []string) (Container, bool) {
	for _, img := range images {
		base := path.Base(img)
		switch {
		case base == "containerd-shim" || strings.HasPrefix(base, "containerd-shim-"):
			return Container{Kind: KindContainerd}, true
		case base == "dockerd" || base == "docker-containerd-shim":
			return Container{Kind: KindDocker}, true
		case base == "lxc-start" || base == "lxc-init":
			return Container{Kind: KindLXC}, true
		case base == "conmon":
			return Container{Kind: KindPodman}, true
		}
	}
	return Container{}, false
}
