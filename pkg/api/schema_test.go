package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendermesh/farmnode/pkg/session"
)

func TestValidateDefinition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "full definition",
			raw: `{
				"b2f55736-ae43-4c1e-a64f-f9794fbb7a7a": {
					"config": {
						"sessionId": "7d444840-9dc0-11d1-b245-5ffdce74fad2",
						"computations": {"render": {}},
						"contexts": {"show": {}}
					}
				},
				"routing": {
					"7d444840-9dc0-11d1-b245-5ffdce74fad2": {
						"nodes": {},
						"computations": {"render": {"compId": "x", "nodeId": "y"}}
					}
				}
			}`,
		},
		{
			// Field-level checks belong to the session layer, so a
			// structurally sound but incomplete document passes here.
			name: "empty object",
			raw:  `{}`,
		},
		{
			name:    "top level array",
			raw:     `[1, 2]`,
			wantErr: true,
		},
		{
			name:    "routing is not an object",
			raw:     `{"routing": 42}`,
			wantErr: true,
		},
		{
			name:    "routing entry is not an object",
			raw:     `{"routing": {"7d444840-9dc0-11d1-b245-5ffdce74fad2": []}}`,
			wantErr: true,
		},
		{
			name:    "node block is not an object",
			raw:     `{"b2f55736-ae43-4c1e-a64f-f9794fbb7a7a": "nope"}`,
			wantErr: true,
		},
		{
			name:    "config is not an object",
			raw:     `{"b2f55736-ae43-4c1e-a64f-f9794fbb7a7a": {"config": 7}}`,
			wantErr: true,
		},
		{
			name:    "computations is not an object",
			raw:     `{"b2f55736-ae43-4c1e-a64f-f9794fbb7a7a": {"config": {"computations": []}}}`,
			wantErr: true,
		},
		{
			name:    "malformed JSON",
			raw:     `{"routing":`,
			wantErr: true,
		},
		{
			name:    "empty body",
			raw:     ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := validateDefinition([]byte(tt.raw))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)

			var op *session.OperationError
			require.True(t, errors.As(err, &op))
			assert.Equal(t, 400, op.HTTPCode)
			assert.Contains(t, op.Message, "Invalid session definition : ")
		})
	}
}
