package sandbox

import "testing"

func TestCatalogLookup(t *testing.T) {
	c := NewCatalog()

	env := c.Lookup("python")
	if env.Kind != "python" || env.Image == "" {
		t.Errorf("Lookup(python) = %+v", env)
	}

	// Unknown kinds fall back to shell so session creation never blocks
	// on a stale client.
	fallback := c.Lookup("cobol")
	if fallback.Kind != "shell" {
		t.Errorf("Lookup(cobol) = %+v, want shell fallback", fallback)
	}
}

func TestCatalogRegister(t *testing.T) {
	c := NewCatalog()
	c.Register(Environment{Kind: "rust", Image: "rust:1-alpine", MemoryMB: 768, CPULimit: 1.5})

	env := c.Lookup("rust")
	if env.Image != "rust:1-alpine" {
		t.Errorf("Lookup(rust) = %+v", env)
	}

	// Replacing an existing kind takes effect.
	c.Register(Environment{Kind: "python", Image: "python:3.13-alpine", MemoryMB: 640, CPULimit: 1.0})
	if got := c.Lookup("python"); got.Image != "python:3.13-alpine" {
		t.Errorf("replaced python = %+v", got)
	}
}

func TestContainerName(t *testing.T) {
	key := Key{OwnerID: "alice", SessionID: "s1"}
	if got := ContainerName(key); got != "harbor-alice-s1" {
		t.Errorf("ContainerName = %q", got)
	}
}

func TestKeyString(t *testing.T) {
	key := Key{OwnerID: "alice", SessionID: "s1"}
	if got := key.String(); got != "alice/s1" {
		t.Errorf("String = %q", got)
	}
}
