package mcp

import (
	"fmt"
	"sort"
	"sync"
)

// ToolRegistry holds the tools a server exposes. Names are unique; a
// second registration under the same name is rejected.
type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewToolRegistry creates a new tool registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds tools, failing without side effects if any name is taken
// or repeated.
func (r *ToolRegistry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		if _, exists := r.tools[tool.Name]; exists {
			return fmt.Errorf("tool %s already registered", tool.Name)
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("tool %s registered twice", tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}

	for _, tool := range tools {
		r.tools[tool.Name] = tool
	}
	return nil
}

// Get retrieves a tool by name
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
