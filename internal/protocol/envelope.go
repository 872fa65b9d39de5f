package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON []byte

// Envelope is one inbound event as delivered by the push channel or a
// backfill fetch.
type Envelope struct {
	ID        string         `json:"id,omitempty"`
	CID       string         `json:"cid"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Type      EventType      `json:"type"`
	Body      map[string]any `json:"body,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	TID       string         `json:"tid,omitempty"`
}

// wireEnvelope tolerates numeric ids and loosely formatted timestamps.
type wireEnvelope struct {
	ID        any            `json:"id"`
	CID       string         `json:"cid"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Body      map[string]any `json:"body"`
	Timestamp string         `json:"timestamp"`
	TID       string         `json:"tid"`
}

var (
	schemaOnce     sync.Once
	envelopeSchema *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		envelopeSchema, schemaErr = c.Compile("envelope.schema.json")
	})
	return envelopeSchema, schemaErr
}

// Decode validates raw against the envelope schema and decodes it.
// Any failure is returned as a *MalformedError.
func Decode(raw []byte) (Envelope, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Envelope{}, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, &MalformedError{What: "envelope", Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return Envelope{}, &MalformedError{What: "envelope", Err: err}
	}

	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, &MalformedError{What: "envelope", Err: err}
	}
	return w.envelope()
}

func (w wireEnvelope) envelope() (Envelope, error) {
	env := Envelope{
		CID:  w.CID,
		From: w.From,
		To:   w.To,
		Type: EventType(w.Type),
		Body: w.Body,
		TID:  w.TID,
	}

	switch id := w.ID.(type) {
	case nil:
	case string:
		env.ID = id
	case float64:
		env.ID = strconv.FormatInt(int64(id), 10)
	default:
		return Envelope{}, &MalformedError{What: "envelope", Err: fmt.Errorf("id has type %T", w.ID)}
	}
	if env.ID != "" {
		if _, err := ParseID(env.ID); err != nil {
			return Envelope{}, err
		}
	}

	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Envelope{}, &MalformedError{What: "envelope timestamp", Err: err}
		}
		env.Timestamp = ts.UTC()
	}
	if env.Body == nil {
		env.Body = map[string]any{}
	}
	return env, nil
}

// Index returns the numeric ordering key, or 0 for envelopes without an id
// (typing indications and other transient signals).
func (e Envelope) Index() int64 {
	if e.ID == "" {
		return 0
	}
	n, err := ParseID(e.ID)
	if err != nil {
		return 0
	}
	return n
}

// BodyTID returns the client transaction id, which servers echo either at the
// top level or inside the body.
func (e Envelope) BodyTID() string {
	if e.TID != "" {
		return e.TID
	}
	if tid, ok := e.Body["tid"].(string); ok {
		return tid
	}
	return ""
}
