package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/crm-sync-server/schema"
	"github.com/stevemurr/crm-sync-server/store"
)

// leadSchema is a typical schema a CRM operator registers for leads.
func leadSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"name", "status"},
		"properties": map[string]any{
			"name":   map[string]any{"type": "string", "minLength": float64(2), "maxLength": float64(40)},
			"email":  map[string]any{"type": "string", "format": "email"},
			"phone":  map[string]any{"type": "string", "pattern": `^\+?[0-9 ()-]+$`},
			"status": map[string]any{"type": "string", "enum": []any{"New", "Contacted", "Qualified", "Lost"}},
			"value":  map[string]any{"type": "number", "minimum": float64(0), "exclusiveMaximum": float64(1e7)},
			"seats":  map[string]any{"type": "integer"},
			"tags": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": float64(1),
				"maxItems": float64(3),
			},
			"address": map[string]any{
				"type":     "object",
				"required": []any{"city"},
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
			},
			"nextFollowUp": map[string]any{"type": "string", "format": "date-time"},
		},
	}
}

func TestValidateNilSchema(t *testing.T) {
	if err := schema.Validate(nil, map[string]any{"anything": "goes"}); err != nil {
		t.Fatalf("nil schema should pass: %v", err)
	}
	if err := schema.ValidatePatch(nil, map[string]any{"anything": "goes"}); err != nil {
		t.Fatalf("nil schema should pass: %v", err)
	}
}

func TestValidateLead(t *testing.T) {
	base := func(extra map[string]any) map[string]any {
		doc := map[string]any{"name": "Ann Lee", "status": "New"}
		for k, v := range extra {
			doc[k] = v
		}
		return doc
	}

	tests := []struct {
		name    string
		doc     map[string]any
		wantErr string
	}{
		{"minimal", base(nil), ""},
		{"missing required", map[string]any{"name": "Ann"}, `missing required field "status"`},
		{"wrong type", base(map[string]any{"name": float64(123)}), "$.name"},
		{"too short", base(map[string]any{"name": "A"}), "minLength"},
		{"too long counts runes", base(map[string]any{"name": "ééééééééééééééééééééé"}), ""},
		{"enum", base(map[string]any{"status": "Won"}), "enum"},
		{"email", base(map[string]any{"email": "ann@example.com"}), ""},
		{"bad email", base(map[string]any{"email": "not-an-email"}), "email address"},
		{"pattern", base(map[string]any{"phone": "+1 (555) 010-1234"}), ""},
		{"pattern mismatch", base(map[string]any{"phone": "call me"}), "pattern"},
		{"below minimum", base(map[string]any{"value": float64(-1)}), "minimum"},
		{"exclusive maximum", base(map[string]any{"value": float64(1e7)}), "exclusiveMaximum"},
		{"integer as whole float", base(map[string]any{"seats": float64(5)}), ""},
		{"integer as go int", base(map[string]any{"seats": 5}), ""},
		{"fractional integer", base(map[string]any{"seats": 5.5}), "integer"},
		{"empty tags", base(map[string]any{"tags": []any{}}), "minItems"},
		{"too many tags", base(map[string]any{"tags": []any{"a", "b", "c", "d"}}), "maxItems"},
		{"tag item type", base(map[string]any{"tags": []any{"a", float64(1)}}), "$.tags[1]"},
		{"nested required", base(map[string]any{"address": map[string]any{"zip": "1"}}), "$.address"},
		{"date-time", base(map[string]any{"nextFollowUp": "2024-03-01T09:00:00.000Z"}), ""},
		{"bad date-time", base(map[string]any{"nextFollowUp": "tomorrow"}), "date-time"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(leadSchema(), tc.doc)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *schema.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateAdditionalProperties(t *testing.T) {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	}

	err := schema.Validate(s, map[string]any{"name": "ok", "zeta": 1.0, "alpha": 2.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha, zeta")

	assert.NoError(t, schema.Validate(s, map[string]any{"name": "ok"}))
}

func TestValidatePatch(t *testing.T) {
	s := leadSchema()

	assert.NoError(t, schema.ValidatePatch(s, map[string]any{"value": float64(10)}),
		"required fields are not needed in a partial update")
	assert.Error(t, schema.ValidatePatch(s, map[string]any{"status": "Won"}))
	assert.Error(t, schema.ValidatePatch(s, map[string]any{"address": map[string]any{}}),
		"nested objects are replaced whole and must be complete")
	assert.Error(t, schema.Validate(s, map[string]any{"value": float64(10)}))
}

func TestCheckSchema(t *testing.T) {
	assert.NoError(t, schema.CheckSchema(leadSchema()))

	bad := []map[string]any{
		{"type": "text"},
		{"required": "name"},
		{"required": []any{1.0}},
		{"pattern": "("},
		{"enum": "a"},
		{"properties": []any{}},
		{"properties": map[string]any{"name": "string"}},
		{"properties": map[string]any{"name": map[string]any{"type": 5.0}}},
		{"items": map[string]any{"type": "bogus"}},
	}
	for _, s := range bad {
		assert.Error(t, schema.CheckSchema(s), "%v", s)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	reg := schema.NewRegistry(store.NewStorage(backend, schema.StoragePrefix, nil))
	records := store.NewStorage(backend, store.DefaultPrefix, nil)
	require.True(t, records.Set(ctx, "leads", []any{}))

	_, ok := reg.Get(ctx, "leads")
	assert.False(t, ok)
	assert.NoError(t, reg.Check(ctx, "leads", map[string]any{}, false), "no schema means no validation")

	require.NoError(t, reg.Put(ctx, "leads", leadSchema()))
	assert.Error(t, reg.Put(ctx, "deals", map[string]any{"type": "nope"}))

	got, ok := reg.Get(ctx, "leads")
	require.True(t, ok)
	assert.Equal(t, "object", got["type"])
	assert.Len(t, reg.All(ctx), 1)

	assert.Error(t, reg.Check(ctx, "leads", map[string]any{"name": "Ann"}, false))
	assert.NoError(t, reg.Check(ctx, "leads", map[string]any{"name": "Ann"}, true))

	existed, err := reg.Delete(ctx, "leads")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = reg.Delete(ctx, "leads")
	require.NoError(t, err)
	assert.False(t, existed)

	assert.NotNil(t, records.Get(ctx, "leads"), "schema keys are namespaced apart from records")
}
