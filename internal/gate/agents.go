package gate

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// AgentDefinition is an agent as written in configuration. File is relative
// to the workspace root.
type AgentDefinition struct {
	ID   string
	Name string
	File string
}

// AgentDirectory resolves configured agents to their managed files.
type AgentDirectory struct {
	root   string
	agents map[string]Agent
	order  []string
}

// NewAgentDirectory resolves every definition against root. A definition
// whose file escapes root is rejected.
func NewAgentDirectory(root string, fsmgr FilesystemManager, defs []AgentDefinition) (*AgentDirectory, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}

	d := &AgentDirectory{root: absRoot, agents: make(map[string]Agent)}
	for _, def := range defs {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return nil, fmt.Errorf("agent with file %q has no id", def.File)
		}
		if _, dup := d.agents[id]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", id)
		}
		if def.File == "" {
			return nil, fmt.Errorf("agent %q has no managed file", id)
		}

		path, err := fsmgr.Resolve(absRoot, def.File)
		if err != nil {
			return nil, fmt.Errorf("resolving managed file for agent %q: %w", id, err)
		}

		name := def.Name
		if name == "" {
			name = id
		}
		d.agents[id] = Agent{ID: id, Name: name, ManagedFile: path}
		d.order = append(d.order, id)
	}
	return d, nil
}

// Root returns the absolute workspace root.
func (d *AgentDirectory) Root() string {
	return d.root
}

// Get returns the agent with the given ID.
func (d *AgentDirectory) Get(id string) (Agent, error) {
	a, ok := d.agents[id]
	if !ok {
		return Agent{}, newError(KindAgentNotFound, "agent %q is not configured", id)
	}
	return a, nil
}

// List returns the agents in configuration order.
func (d *AgentDirectory) List() []Agent {
	out := make([]Agent, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.agents[id])
	}
	return out
}

// IDs returns the sorted agent IDs.
func (d *AgentDirectory) IDs() []string {
	ids := slices.Clone(d.order)
	slices.Sort(ids)
	return ids
}
