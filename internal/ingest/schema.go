package ingest

import (
	"bytes"
	"embed"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Shape names one of the inbound payload shapes.
type Shape string

const (
	ShapeLegacySync          Shape = "legacy_sync"
	ShapeRoomEvent           Shape = "room_event"
	ShapeChatHistoryBatch    Shape = "chat_history_batch"
	ShapeSessionHistoryBatch Shape = "session_history_batch"
	ShapePeriodicSync        Shape = "periodic_sync"
)

const schemaBaseURL = "https://roomsync.local/schemas/"

var (
	errPayloadMissing   = errors.New("ingest: no data provided")
	errPayloadMalformed = errors.New("ingest: malformed json")
	errPayloadShape     = errors.New("ingest: payload does not match shape")
	errUnknownShape     = errors.New("ingest: unknown payload shape")

	//go:embed schemas/*.json
	schemaFiles embed.FS

	allShapes = []Shape{
		ShapeLegacySync,
		ShapeRoomEvent,
		ShapeChatHistoryBatch,
		ShapeSessionHistoryBatch,
		ShapePeriodicSync,
	}
)

// schemaGuard checks the JSON type of every known field before decoding.
// Unknown fields pass through; no field is individually required.
type schemaGuard struct {
	schemas map[Shape]*jsonschema.Schema
}

func newSchemaGuard() (*schemaGuard, error) {
	compiler := jsonschema.NewCompiler()
	for _, shape := range allShapes {
		raw, err := schemaFiles.ReadFile("schemas/" + string(shape) + ".json")
		if err != nil {
			return nil, err
		}
		document, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", shape, err)
		}
		if err := compiler.AddResource(schemaURL(shape), document); err != nil {
			return nil, fmt.Errorf("schema %s: %w", shape, err)
		}
	}

	schemas := make(map[Shape]*jsonschema.Schema, len(allShapes))
	for _, shape := range allShapes {
		compiled, err := compiler.Compile(schemaURL(shape))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", shape, err)
		}
		schemas[shape] = compiled
	}
	return &schemaGuard{schemas: schemas}, nil
}

func schemaURL(shape Shape) string {
	return schemaBaseURL + string(shape) + ".json"
}

func (guard *schemaGuard) validate(shape Shape, body []byte) error {
	compiled, ok := guard.schemas[shape]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownShape, shape)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errPayloadMissing
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errPayloadMalformed, err)
	}
	if instance == nil {
		return errPayloadMissing
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", errPayloadShape, err)
	}
	return nil
}

func validationReason(err error) string {
	switch {
	case errors.Is(err, errPayloadMissing):
		return "payload_missing"
	case errors.Is(err, errPayloadMalformed):
		return "payload_malformed"
	case errors.Is(err, errPayloadShape):
		return "payload_invalid"
	default:
		return "payload_rejected"
	}
}
