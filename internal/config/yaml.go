package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses data as JSON, or as YAML when path ends in .yaml/.yml.
// Unknown fields and trailing data are rejected. YAML errors carry the line
// of the offending key.
func Decode(path string, data []byte) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		doc, err := parseYAML(data)
		if err != nil {
			return nil, err
		}
		cfg, err := decodeStrict(doc.json)
		if err != nil {
			if line, ok := doc.lineOf(err); ok {
				return nil, fmt.Errorf("yaml config: line %d: %w", line, err)
			}
			return nil, fmt.Errorf("yaml config: %w", err)
		}
		return cfg, nil
	default:
		cfg, err := decodeStrict(data)
		if err != nil {
			return nil, fmt.Errorf("json config: %w", err)
		}
		return cfg, nil
	}
}

func decodeStrict(b []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// yamlDoc is a YAML config rendered as JSON, with the line of every key
// indexed by its dotted path (sequence elements share their parent's path,
// as in json field errors).
type yamlDoc struct {
	json  []byte
	lines map[string]int
}

func parseYAML(data []byte) (*yamlDoc, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	doc := &yamlDoc{lines: map[string]int{}}
	var v any = map[string]any{}
	if len(root.Content) > 0 {
		var err error
		if v, err = doc.value(root.Content[0], ""); err != nil {
			return nil, fmt.Errorf("yaml config: %w", err)
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	doc.json = b
	return doc, nil
}

func (d *yamlDoc) value(n *yaml.Node, path string) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return d.value(n.Alias, path)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		if err := d.mapping(n, path, m); err != nil {
			return nil, err
		}
		return m, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := d.value(c, path)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported yaml node", n.Line)
	}
}

// mapping fills m from a mapping node. Keys set explicitly win over keys
// pulled in with "<<".
func (d *yamlDoc) mapping(n *yaml.Node, path string, m map[string]any) error {
	var merges []*yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, vn := n.Content[i], n.Content[i+1]
		if k.Kind == yaml.ScalarNode && k.ShortTag() == "!!merge" {
			merges = append(merges, vn)
			continue
		}
		p := k.Value
		if path != "" {
			p = path + "." + k.Value
		}
		if _, seen := d.lines[p]; !seen {
			d.lines[p] = k.Line
		}
		v, err := d.value(vn, p)
		if err != nil {
			return err
		}
		m[k.Value] = v
	}
	for _, mn := range merges {
		if mn.Kind == yaml.AliasNode {
			mn = mn.Alias
		}
		srcs := []*yaml.Node{mn}
		if mn.Kind == yaml.SequenceNode {
			srcs = mn.Content
		}
		for _, src := range srcs {
			if src.Kind == yaml.AliasNode {
				src = src.Alias
			}
			if src.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: merge of a non-mapping", src.Line)
			}
			extra := map[string]any{}
			if err := d.mapping(src, path, extra); err != nil {
				return err
			}
			for k, v := range extra {
				if _, ok := m[k]; !ok {
					m[k] = v
				}
			}
		}
	}
	return nil
}

// lineOf finds the YAML line a strict decode error points at.
func (d *yamlDoc) lineOf(err error) (int, bool) {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		line, ok := d.lines[te.Field]
		return line, ok
	}
	name, ok := strings.CutPrefix(err.Error(), "json: unknown field ")
	if !ok {
		return 0, false
	}
	if name, uerr := strconv.Unquote(name); uerr == nil {
		best := 0
		for p, line := range d.lines {
			if p == name || strings.HasSuffix(p, "."+name) {
				if best == 0 || line < best {
					best = line
				}
			}
		}
		return best, best > 0
	}
	return 0, false
}
