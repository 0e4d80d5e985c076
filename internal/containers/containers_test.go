package containers

import "testing"

func TestFromCgroupsDocker(t *testing.T) {
	c, ok := FromCgroups([]string{"/system.slice/docker-abc123def4567890abc123def4567890abc123def4567890abc123def456789.scope"})
	if !ok || c.Kind != KindDocker {
		t.Fatalf("expected docker match, got %+v ok=%v", c, ok)
	}
	if c.ID == "" {
		t.Fatalf("expected extracted container id")
	}
}

func TestFromCgroupsNoMarker(t *testing.T) {
	if _, ok := FromCgroups([]string{"/user.slice/user-1000.slice"}); ok {
		t.Fatalf("expected no container match")
	}
}

func TestFromAncestorsContainerdShim(t *testing.T) {
	c, ok := FromAncestors([]string{"/usr/bin/bash", "/usr/bin/containerd-shim-runc-v2", "/sbin/init"})
	if !ok || c.Kind != KindContainerd {
		t.Fatalf("expected containerd match, got %+v ok=%v", c, ok)
	}
}

func TestFromAncestorsNoMatch(t *testing.T) {
	if _, ok := FromAncestors([]string{"/usr/bin/bash", "/sbin/init"}); ok {
		t.Fatalf("expected no ancestor match")
	}
}
