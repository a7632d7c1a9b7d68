// Package tools shapes the gateway's tool catalog for the model.
//
// All tools come from the tool execution gateway; patchbay defines
// none of its own. This package holds the in-memory catalog, withholds
// the reserved gateway operations from the model, and renders the
// descriptors into the shared function-definition form the provider
// clients consume.
package tools

import (
	"github.com/patchbay-audio/patchbay/internal/mcp"
)

// Reserved gateway tool names. These are session-level operations the
// session manager invokes directly; the model never sees them.
const (
	// InitializeSessionTool performs the one-time authenticated
	// session handshake on a fresh gateway connection.
	InitializeSessionTool = "initialize-session"

	// OpenDocumentTool opens an external document in the user's
	// editor, outside any model-driven flow.
	OpenDocumentTool = "open-document"
)

// RecommendForStyleTool is the disambiguation tool the intent router
// consults when an utterance asks for a style or genre. It stays in
// the model's toolset; the router merely calls it ahead of the loop.
const RecommendForStyleTool = "recommend-entity-for-style"

// Reserved returns the tool names withheld from the model's toolset.
func Reserved() []string {
	return []string{InitializeSessionTool, OpenDocumentTool}
}

// Descriptor describes one callable tool: its name, what it does, and
// the JSON schema of its arguments. Descriptors are immutable for the
// lifetime of one gateway connection.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Set is an ordered tool catalog. The order is the gateway's listing
// order, which keeps the toolset presented to the model stable across
// requests on one connection.
type Set struct {
	descriptors []Descriptor
	byName      map[string]int
}

// NewSet builds a catalog from descriptors. Later duplicates of a name
// replace earlier ones.
func NewSet(descriptors []Descriptor) *Set {
	s := &Set{byName: make(map[string]int, len(descriptors))}
	for _, d := range descriptors {
		if i, ok := s.byName[d.Name]; ok {
			s.descriptors[i] = d
			continue
		}
		s.byName[d.Name] = len(s.descriptors)
		s.descriptors = append(s.descriptors, d)
	}
	return s
}

// FromGateway converts the gateway's tool listing into a catalog.
func FromGateway(defs []mcp.ToolDefinition) *Set {
	descriptors := make([]Descriptor, 0, len(defs))
	for _, td := range defs {
		descriptors = append(descriptors, Descriptor{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  td.InputSchema,
		})
	}
	return NewSet(descriptors)
}

// Len returns the number of tools in the catalog.
func (s *Set) Len() int {
	return len(s.descriptors)
}

// Has reports whether the catalog contains a tool by name.
func (s *Set) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Get returns the descriptor for a name, if present.
func (s *Set) Get(name string) (Descriptor, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return s.descriptors[i], true
}

// Names returns the tool names in catalog order.
func (s *Set) Names() []string {
	names := make([]string, len(s.descriptors))
	for i, d := range s.descriptors {
		names[i] = d.Name
	}
	return names
}

// Exclude returns a new catalog without the named tools. The receiver
// is unchanged.
func (s *Set) Exclude(names ...string) *Set {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}

	kept := make([]Descriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		if _, skip := drop[d.Name]; skip {
			continue
		}
		kept = append(kept, d)
	}
	return NewSet(kept)
}

// ForModel renders the catalog in the shared function-definition form
// consumed by the provider clients. Parameter schemas pass through
// untouched; each provider reduces them to its own dialect at its
// serialization boundary.
func (s *Set) ForModel() []map[string]any {
	result := make([]map[string]any, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return result
}
