package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	ceasdk "ceatool/sdk/go"
)

//go:embed catalog.yml
var defaultCatalog []byte

// Catalog is the fixed content the development backend serves: tool
// schemas, the glossary and the open project.
type Catalog struct {
	Project  ceasdk.Project               `json:"project"`
	Tools    map[string]ceasdk.ToolSchema `json:"tools"`
	Glossary []ceasdk.GlossaryCategory    `json:"glossary"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes YAML catalog content. Mappings keep their order so
// choice options are served the way they were written.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	var buf bytes.Buffer
	if err := writeJSON(&buf, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(buf.Bytes(), &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for name, tool := range c.Tools {
		seen := map[string]bool{}
		for _, p := range allParameters(tool) {
			if p.Name == "" || seen[p.Name] {
				return nil, fmt.Errorf("tool %s: missing or duplicate parameter name %q", name, p.Name)
			}
			seen[p.Name] = true
		}
	}
	return &c, nil
}

func writeJSON(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeJSON(buf, n.Content[0])
	case yaml.AliasNode:
		return writeJSON(buf, n.Alias)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(n.Content[i].Value)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeJSON(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(b)
	default:
		return fmt.Errorf("line %d: unsupported yaml node", n.Line)
	}
	return nil
}

func allParameters(s ceasdk.ToolSchema) []*ceasdk.Parameter {
	var out []*ceasdk.Parameter
	for i := range s.Parameters {
		out = append(out, &s.Parameters[i])
	}
	for _, ps := range s.CategoricalParameters {
		for i := range ps {
			out = append(out, &ps[i])
		}
	}
	return out
}
