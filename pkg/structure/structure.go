package structure

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Op is a structural edit applied to a layer or connection.
type Op string

const (
	OpAdd    Op = "A"
	OpModify Op = "M"
	OpDelete Op = "D"
)

func (op Op) valid() bool {
	switch op {
	case OpAdd, OpModify, OpDelete:
		return true
	}
	return false
}

// Layer is a node edit in a model structure graph. Keyword arguments for
// the layer constructor (in_features, out_features, ...) ride along in
// Params; op_ and type_ are carried inline on the wire.
type Layer struct {
	Op     Op
	Type   string
	Params map[string]interface{}
}

func (l Layer) MarshalJSON() ([]byte, error) {
	raw := make(map[string]interface{}, len(l.Params)+2)
	for k, v := range l.Params {
		raw[k] = v
	}
	raw["op_"] = string(l.Op)
	if l.Type != "" {
		raw["type_"] = l.Type
	}
	return json.Marshal(raw)
}

func (l *Layer) UnmarshalJSON(data []byte) error {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if op, ok := raw["op_"].(string); ok {
		l.Op = Op(op)
	}
	if typ, ok := raw["type_"].(string); ok {
		l.Type = typ
	}
	delete(raw, "op_")
	delete(raw, "type_")

	if len(raw) > 0 {
		l.Params = raw
	} else {
		l.Params = nil
	}
	return nil
}

// Structure is a model structure change graph: layers as nodes,
// connections between layers as directed edges.
type Structure struct {
	Layer      map[string]Layer         `json:"layer"`
	Connection map[string]map[string]Op `json:"connection,omitempty"`
}

// Parse decodes a structure change graph from JSON.
func Parse(data []byte) (*Structure, error) {
	var s Structure
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse structure: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks op codes and the shape of each edit.
func (s *Structure) Validate() error {
	if len(s.Layer) == 0 && len(s.Connection) == 0 {
		return fmt.Errorf("structure contains no changes")
	}

	for name, layer := range s.Layer {
		if !layer.Op.valid() {
			return fmt.Errorf("layer %s: unknown op %q", name, layer.Op)
		}
		if layer.Op == OpAdd && layer.Type == "" {
			return fmt.Errorf("layer %s: added layers require a type", name)
		}
		if layer.Op == OpDelete && (layer.Type != "" || len(layer.Params) > 0) {
			return fmt.Errorf("layer %s: deleted layers take no arguments", name)
		}
	}

	for from, edges := range s.Connection {
		if from == "" {
			return fmt.Errorf("connection with empty source layer")
		}
		for to, op := range edges {
			if to == "" {
				return fmt.Errorf("connection from %s with empty target layer", from)
			}
			if op != OpAdd && op != OpDelete {
				return fmt.Errorf("connection %s -> %s: unknown op %q", from, to, op)
			}
		}
	}

	return nil
}

// ChangeSummary renders the edit as human-readable lines, layers first,
// for example:
//
//	[M] fc: (torch.nn.Linear) out_features=10
//	[D] conv1 -> fc
//	[A] conv1 -> fc1
func (s *Structure) ChangeSummary() []string {
	var lines []string

	layerNames := make([]string, 0, len(s.Layer))
	for name := range s.Layer {
		layerNames = append(layerNames, name)
	}
	sort.Strings(layerNames)

	for _, name := range layerNames {
		layer := s.Layer[name]
		line := fmt.Sprintf("[%s] %s", layer.Op, name)
		if layer.Type != "" {
			line += fmt.Sprintf(": (%s)", layer.Type)
		}
		if params := formatParams(layer.Params); params != "" {
			if layer.Type == "" {
				line += ":"
			}
			line += " " + params
		}
		lines = append(lines, line)
	}

	froms := make([]string, 0, len(s.Connection))
	for from := range s.Connection {
		froms = append(froms, from)
	}
	sort.Strings(froms)

	for _, from := range froms {
		edges := s.Connection[from]
		tos := make([]string, 0, len(edges))
		for to := range edges {
			tos = append(tos, to)
		}
		sort.Strings(tos)
		for _, to := range tos {
			lines = append(lines, fmt.Sprintf("[%s] %s -> %s", edges[to], from, to))
		}
	}

	return lines
}

func formatParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ", ")
}
