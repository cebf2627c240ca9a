package definition

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	internalschema "promptchain/internal/schema"
)

const SchemaDocument = "workflow-definition"

func init() {
	_ = internalschema.Register(SchemaDocument, documentSchema)
}

func documentSchema() *jsonschema.Schema {
	return generateSchema(Document{})
}

func generateSchema(value any) *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	s := reflector.Reflect(value)
	if s.Version == "" {
		s.Version = jsonschema.Version
	}
	s.Title = "promptchain workflow definition"
	return s
}

// SchemaJSON renders the definition schema for editors and the schema
// command.
func SchemaJSON() ([]byte, error) {
	s, err := internalschema.Resolve(SchemaDocument)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(s, "", "  ")
}
