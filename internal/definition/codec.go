package definition

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	internalschema "promptchain/internal/schema"
)

// Decode parses a YAML definition, validates it against the document schema
// and then semantically. The returned workflow is normalized except for the
// connection and run modes, which stay empty when the file leaves them out.
func Decode(data []byte) (Document, error) {
	object, err := decodeYAMLObject(data)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	s, err := internalschema.Resolve(SchemaDocument)
	if err != nil {
		return Document{}, err
	}
	if err := internalschema.ValidateObject(s, object); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	payload, err := json.Marshal(object)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	connectionMode, runMode := doc.Workflow.ConnectionMode, doc.Workflow.RunMode
	doc.Workflow = doc.Workflow.Normalize()
	doc.Workflow.ConnectionMode, doc.Workflow.RunMode = connectionMode, runMode
	return doc, nil
}

// Encode renders doc as YAML, filling in the current version.
func Encode(doc Document) ([]byte, error) {
	if doc.Version == 0 {
		doc.Version = CurrentVersion
	}
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeYAMLObject(data []byte) (map[string]any, error) {
	var object map[string]any
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("invalid YAML definition: %w", err)
	}
	if object == nil {
		return nil, fmt.Errorf("empty definition")
	}
	return object, nil
}
