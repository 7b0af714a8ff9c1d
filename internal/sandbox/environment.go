package sandbox

import "fmt"

// Environment describes the runtime a sandbox is created for: base
// image plus resource ceilings. Heavier runtimes get more memory and
// CPU share.
type Environment struct {
	Kind     string
	Image    string
	MemoryMB int
	CPULimit float64
}

// defaultEnvironments is the built-in catalog. The daemon can extend
// it from configuration.
var defaultEnvironments = map[string]Environment{
	"node":   {Kind: "node", Image: "node:22-alpine", MemoryMB: 512, CPULimit: 1.0},
	"python": {Kind: "python", Image: "python:3.12-alpine", MemoryMB: 512, CPULimit: 1.0},
	"go":     {Kind: "go", Image: "golang:1.25-alpine", MemoryMB: 768, CPULimit: 1.5},
	"java":   {Kind: "java", Image: "eclipse-temurin:21-jdk-alpine", MemoryMB: 1024, CPULimit: 2.0},
	"shell":  {Kind: "shell", Image: "alpine:3.20", MemoryMB: 256, CPULimit: 0.5},
}

// Catalog maps environment kinds to runtime definitions.
type Catalog struct {
	environments map[string]Environment
}

// NewCatalog returns the built-in environment catalog.
func NewCatalog() *Catalog {
	envs := make(map[string]Environment, len(defaultEnvironments))
	for k, v := range defaultEnvironments {
		envs[k] = v
	}
	return &Catalog{environments: envs}
}

// Register adds or replaces an environment definition.
func (c *Catalog) Register(env Environment) {
	c.environments[env.Kind] = env
}

// Lookup resolves an environment kind. Unknown kinds fall back to the
// shell environment so a stale client cannot block session creation.
func (c *Catalog) Lookup(kind string) Environment {
	if env, ok := c.environments[kind]; ok {
		return env
	}
	return c.environments["shell"]
}

// ContainerName returns a stable container name for a session key.
func ContainerName(key Key) string {
	return fmt.Sprintf("harbor-%s-%s", key.OwnerID, key.SessionID)
}
