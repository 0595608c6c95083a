package ledgerwriter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
)

// JSON Schemas for the two topic payloads the ledger writer consumes.
// Validation happens before any row is written: a payload that fails here
// is dead-lettered, never retried, never ledgered.
const authorityEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_id", "kind", "timestamp", "principal_id"],
	"properties": {
		"event_id": {"type": "string", "minLength": 1},
		"kind": {"enum": ["mandate_issued", "mandate_delegated", "mandate_revoked", "authority_decision"]},
		"timestamp": {"type": "string"},
		"principal_id": {"type": "string", "minLength": 1},
		"mandate_id": {"type": "string"},
		"decision": {"enum": ["allowed", "denied"]},
		"denial_reason": {"type": "string"},
		"requested_action": {"type": "string"},
		"requested_resource": {"type": "string"},
		"payload": {"type": "object"},
		"correlation_id": {"type": "string"}
	}
}`

const meteringEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_id", "timestamp", "principal_id", "resource_type", "quantity", "cost", "currency"],
	"properties": {
		"event_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"principal_id": {"type": "string", "minLength": 1},
		"resource_type": {"type": "string", "minLength": 1},
		"quantity": {"type": "number", "minimum": 0},
		"cost": {"type": "number", "minimum": 0},
		"currency": {"type": "string", "minLength": 1},
		"provisional_charge_id": {"type": "string"},
		"metadata": {"type": "object"},
		"correlation_id": {"type": "string"}
	}
}`

// Validator checks consumed payloads against the topic schemas.
type Validator struct {
	authority *jsonschema.Schema
	metering  *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compile := func(name, schema string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://caracal.schemas.local/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("ledgerwriter: schema load failed: %w", err)
		}
		return c.Compile(url)
	}

	authority, err := compile("authority-event", authorityEventSchema)
	if err != nil {
		return nil, err
	}
	metering, err := compile("metering-event", meteringEventSchema)
	if err != nil {
		return nil, err
	}
	return &Validator{authority: authority, metering: metering}, nil
}

// Validate checks value against the schema for topic. Unknown topics fail
// validation outright.
func (v *Validator) Validate(topic string, value []byte) error {
	var schema *jsonschema.Schema
	switch topic {
	case "authority.events":
		schema = v.authority
	case "metering.events":
		schema = v.metering
	default:
		return caracalerr.Validation("topic", fmt.Sprintf("no ledger schema for topic %q", topic))
	}

	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return caracalerr.Validation("payload", fmt.Sprintf("not valid JSON: %v", err))
	}
	if err := schema.Validate(doc); err != nil {
		return caracalerr.Validation("payload", err.Error())
	}
	return nil
}
