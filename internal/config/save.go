// Package config provides configuration types, defaults, and persistence for strand.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SaveTransport updates the transport section in the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveTransport(configPath string, tr TransportConfig) error {
	if err := ValidateTransport(tr); err != nil {
		return err
	}
	return saveSection(configPath, "transport", buildTransportNode(tr))
}

// SaveNotifications updates the notifications section in the config file.
func SaveNotifications(configPath string, n NotificationsConfig) error {
	node := &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "enabled"},
			boolNode(n.Enabled),
			{Kind: yaml.ScalarNode, Value: "on_error"},
			boolNode(n.OnError),
		},
	}
	return saveSection(configPath, "notifications", node)
}

// SaveFlag sets one feature flag in the config file, preserving the rest of
// the flags section and all other sections.
func SaveFlag(configPath string, name string, value bool) error {
	doc, err := loadDocument(configPath)
	if err != nil {
		return err
	}

	root := documentRoot(&doc)
	flags := findOrAppendKey(root, "flags", &yaml.Node{Kind: yaml.MappingNode})
	if flags.Kind != yaml.MappingNode {
		*flags = yaml.Node{Kind: yaml.MappingNode}
	}

	set := false
	for i := 0; i < len(flags.Content)-1; i += 2 {
		if flags.Content[i].Value == name {
			flags.Content[i+1] = boolNode(value)
			set = true
			break
		}
	}
	if !set {
		flags.Content = append(flags.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			boolNode(value),
		)
	}

	return writeDocument(configPath, &doc)
}

// buildTransportNode creates a yaml.Node representing the transport section.
func buildTransportNode(tr TransportConfig) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}

	kind := tr.Kind
	if kind == "" {
		kind = "local"
	}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: "kind"},
		&yaml.Node{Kind: yaml.ScalarNode, Value: kind},
	)

	if tr.Command != "" {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "command"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: tr.Command},
		)
	}
	if len(tr.Args) > 0 {
		args := &yaml.Node{Kind: yaml.SequenceNode}
		for _, arg := range tr.Args {
			args.Content = append(args.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: arg})
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "args"},
			args,
		)
	}
	if tr.BaseURL != "" {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "base_url"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: tr.BaseURL},
		)
	}

	return node
}

func boolNode(v bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v)}
}

// saveSection replaces one top-level section of the config file, creating
// the file when it does not exist yet.
func saveSection(configPath, key string, node *yaml.Node) error {
	doc, err := loadDocument(configPath)
	if err != nil {
		return err
	}

	root := documentRoot(&doc)
	target := findOrAppendKey(root, key, node)
	*target = *node

	return writeDocument(configPath, &doc)
}

// loadDocument parses the config file into a yaml.Node tree, preserving
// comments. A missing file yields an empty document.
func loadDocument(configPath string) (yaml.Node, error) {
	var doc yaml.Node

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return doc, fmt.Errorf("reading config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return doc, fmt.Errorf("parsing config: %w", err)
		}
	}
	return doc, nil
}

// documentRoot returns the top-level mapping node, building the document
// structure when the file was empty.
func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 && doc.Content[0].Kind == yaml.MappingNode {
		return doc.Content[0]
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	*doc = yaml.Node{
		Kind:    yaml.DocumentNode,
		Content: []*yaml.Node{root},
	}
	return root
}

// findOrAppendKey returns the value node for key in a mapping, appending
// the key with fallback as its value when absent.
func findOrAppendKey(root *yaml.Node, key string, fallback *yaml.Node) *yaml.Node {
	for i := 0; i < len(root.Content)-1; i += 2 {
		if root.Content[i].Value == key {
			return root.Content[i+1]
		}
	}
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		fallback,
	)
	return root.Content[len(root.Content)-1]
}

// writeDocument marshals the document and writes it atomically (write to
// temp, then rename).
func writeDocument(configPath string, doc *yaml.Node) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".strand.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
