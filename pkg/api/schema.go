package api

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/rendermesh/farmnode/pkg/session"
)

// definitionSchema checks the outer structure of a session definition
// document: per-node blocks keyed by node id and an optional routing
// map keyed by session id. Field-level validation stays in the session
// package so its specific error messages are preserved.
const definitionSchema = `{
	"type": "object",
	"properties": {
		"routing": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"nodes": { "type": "object" },
					"computations": { "type": "object" }
				}
			}
		}
	},
	"patternProperties": {
		"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$": {
			"type": "object",
			"properties": {
				"config": {
					"type": "object",
					"properties": {
						"computations": { "type": "object" },
						"contexts": { "type": "object" }
					}
				}
			}
		}
	}
}`

var definitionValidator = mustCompileSchema(definitionSchema)

func mustCompileSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(err)
	}
	return s
}

// validateDefinition checks raw against the definition schema and
// returns a 400 operation error describing the first violation.
func validateDefinition(raw []byte) error {
	result, err := definitionValidator.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &session.OperationError{
			Message:  "Invalid session definition : " + err.Error(),
			HTTPCode: 400,
		}
	}
	if !result.Valid() {
		desc := "document does not match schema"
		if errs := result.Errors(); len(errs) > 0 {
			desc = errs[0].String()
		}
		return &session.OperationError{
			Message:  "Invalid session definition : " + desc,
			HTTPCode: 400,
		}
	}
	return nil
}
