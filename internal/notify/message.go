package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const wireSchemaURL = "https://deskrelay.local/schemas/notification.json"

const wireSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "title", "message"],
	"properties": {
		"id": {"type": ["string", "null"]},
		"type": {"enum": ["info", "success", "warning", "error"]},
		"title": {"type": "string"},
		"message": {"type": "string"}
	}
}`

type wireMessage struct {
	ID      *string  `json:"id"`
	Type    Category `json:"type"`
	Title   string   `json:"title"`
	Message string   `json:"message"`
}

var compiledWireSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(wireSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(wireSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(wireSchemaURL)
})

// ParseMessage validates one inbound frame and converts it. The ID stays empty
// when the server omitted it; the dispatcher derives one.
func ParseMessage(data []byte, receivedAt time.Time) (Notification, error) {
	schema, err := compiledWireSchema()
	if err != nil {
		return Notification{}, fmt.Errorf("compile notification schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	n := Notification{
		Category:   wire.Type,
		Title:      wire.Title,
		Message:    wire.Message,
		ReceivedAt: receivedAt,
	}
	if wire.ID != nil {
		n.ID = strings.TrimSpace(*wire.ID)
	}
	return n, nil
}
