package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrFolderExists is returned by AddFolder for a duplicate name
var ErrFolderExists = errors.New("folder already configured")

// ErrFolderNotFound is returned by RemoveFolder for an unknown name
var ErrFolderNotFound = errors.New("folder not configured")

// AddFolder appends f to the folders list of the config file at path,
// creating the file if needed. Comments and unrelated keys are kept.
func AddFolder(path string, f Folder) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	doc, err := readDocument(path)
	if err != nil {
		return err
	}
	folders := folderSequence(doc, true)

	for _, item := range folders.Content {
		if folderName(item) == f.Name {
			return fmt.Errorf("%w: %s", ErrFolderExists, f.Name)
		}
	}

	var node yaml.Node
	if err := node.Encode(f); err != nil {
		return err
	}
	folders.Content = append(folders.Content, &node)

	return writeDocument(path, doc)
}

// RemoveFolder removes the folder named name from the config file at path.
func RemoveFolder(path, name string) error {
	doc, err := readDocument(path)
	if err != nil {
		return err
	}
	folders := folderSequence(doc, false)
	if folders == nil {
		return fmt.Errorf("%w: %s", ErrFolderNotFound, name)
	}

	for i, item := range folders.Content {
		if folderName(item) == name {
			folders.Content = append(folders.Content[:i], folders.Content[i+1:]...)
			return writeDocument(path, doc)
		}
	}
	return fmt.Errorf("%w: %s", ErrFolderNotFound, name)
}

func readDocument(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s: top level is not a mapping", ErrConfigInvalid, path)
	}
	return &doc, nil
}

// folderSequence returns the "folders" sequence node, adding an empty one
// when create is set.
func folderSequence(doc *yaml.Node, create bool) *yaml.Node {
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "folders" {
			seq := root.Content[i+1]
			if seq.Kind != yaml.SequenceNode {
				// "folders:" with no items decodes as null
				*seq = yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
			}
			return seq
		}
	}
	if !create {
		return nil
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "folders"},
		seq,
	)
	return seq
}

func folderName(item *yaml.Node) string {
	if item.Kind != yaml.MappingNode {
		return ""
	}
	for i := 0; i+1 < len(item.Content); i += 2 {
		if item.Content[i].Value == "name" {
			return item.Content[i+1].Value
		}
	}
	return ""
}

func writeDocument(path string, doc *yaml.Node) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
