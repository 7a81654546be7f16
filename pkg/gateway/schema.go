package gateway

import (
	"strings"

	"github.com/harun/vice/pkg/chat"
	"github.com/xeipuuv/gojsonschema"
)

// inboundFrameSchema describes the frames a client may send
const inboundFrameSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["message", "analyze_file"]},
    "session_id": {"type": "string"},
    "content": {"type": "string"},
    "user_id": {"type": "string", "maxLength": 128},
    "client_message_id": {"type": "string", "maxLength": 128},
    "file_name": {"type": "string"},
    "file": {
      "type": "object",
      "required": ["stored_path"],
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string"},
        "stored_path": {"type": "string", "minLength": 1},
        "size": {"type": "integer", "minimum": 0},
        "mime_type": {"type": "string"}
      }
    }
  },
  "if": {"properties": {"type": {"const": "message"}}},
  "then": {"required": ["content"]},
  "else": {"required": ["file"]}
}`

var frameSchema = gojsonschema.NewStringLoader(inboundFrameSchema)

// FrameValidator checks inbound frames against the frame schema
type FrameValidator struct {
	schema *gojsonschema.Schema
}

// NewFrameValidator compiles the frame schema
func NewFrameValidator() (*FrameValidator, error) {
	schema, err := gojsonschema.NewSchema(frameSchema)
	if err != nil {
		return nil, err
	}
	return &FrameValidator{schema: schema}, nil
}

// Decode validates a raw frame and decodes it
func (v *FrameValidator) Decode(data []byte) (chat.InboundEvent, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return chat.InboundEvent{}, chat.Errorf(chat.CodeInvalidInput, "malformed frame: %v", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return chat.InboundEvent{}, chat.Errorf(chat.CodeInvalidInput, "invalid frame: %s", strings.Join(problems, "; "))
	}
	return chat.DecodeInbound(data)
}
