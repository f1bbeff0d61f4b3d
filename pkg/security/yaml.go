package security

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the size and shape of a configuration document.
type YAMLLimits struct {
	MaxFileSize  int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64
}

// DefaultYAMLLimits are sized for the server configuration file.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1 << 20,
		MaxDepth:     16,
		MaxNodes:     5000,
		MaxKeyLength: 256,
		MaxValueSize: 64 << 10,
	}
}

// SafeYAMLParser decodes YAML only after the node tree passes YAMLLimits,
// which stops alias bombs and oversized documents.
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser creates a new YAML parser with security limits
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// UnmarshalYAML validates data and then decodes it into v.
func (p *SafeYAMLParser) UnmarshalYAML(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML file size %d bytes exceeds maximum %d bytes", len(data), p.limits.MaxFileSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return fmt.Errorf("YAML parse error: %w", err)
	}

	w := &yamlWalker{limits: p.limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	return root.Decode(v)
}

// UnmarshalYAMLFromReader reads at most MaxFileSize bytes from r.
func (p *SafeYAMLParser) UnmarshalYAMLFromReader(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, p.limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read YAML: %w", err)
	}
	return p.UnmarshalYAML(data, v)
}

type yamlWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *yamlWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds maximum %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(key, depth+1); err != nil {
				return err
			}
			if err := w.walk(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(node.Value), w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			return w.walk(node.Alias, depth+1)
		}
	}
	return nil
}
