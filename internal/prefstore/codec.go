// Package prefstore is the client-side preference store: envelope codec,
// durable single-key local storage, the sibling-tab broadcast channel, and
// the store core that orchestrates loading, autosave, and synchronization.
package prefstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

const (
	// SchemaVersion identifies the envelope layout.
	SchemaVersion = "1.0.0"

	// StorageKey is the single logical key holding the envelope.
	StorageKey = "kpi_dashboard_user_settings"

	// DefaultMaxStorageSize caps the encoded envelope at 5 MiB.
	DefaultMaxStorageSize = 5 << 20
)

// Envelope is the on-disk and backup-file container for a settings
// document.
type Envelope struct {
	SchemaVersion string          `json:"schemaVersion"`
	WrittenAt     string          `json:"writtenAt"`
	Checksum      string          `json:"checksum"`
	Payload       json.RawMessage `json:"payload"`
}

// Codec serializes settings documents into envelopes and back, enforcing
// the size limit and checksum integrity.
type Codec struct {
	maxSize int64
	now     func() time.Time
}

type CodecOptions struct {
	MaxSize int64
	Now     func() time.Time
}

func NewCodec(opts CodecOptions) *Codec {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxStorageSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Codec{maxSize: maxSize, now: now}
}

// Encode stamps writtenAt and a strictly advancing lastModified, computes
// the payload checksum, and returns the envelope with its serialized form.
// Payloads whose encoding exceeds the size limit fail with QuotaExceeded.
func (c *Codec) Encode(doc *settings.UserSettings) (Envelope, []byte, error) {
	if doc == nil {
		return Envelope{}, nil, fmt.Errorf("encode: %w", syncengine.ErrInvalidFormat)
	}
	clone := doc.Clone()

	now := c.now().UTC()
	if prev, ok := parseRFC3339(clone.Metadata.LastModified); ok && !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	stamp := now.Format(time.RFC3339Nano)
	clone.Metadata.LastModified = stamp

	payload, err := json.Marshal(clone)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("encode payload: %w", err)
	}
	checksum, err := PayloadChecksum(payload)
	if err != nil {
		return Envelope{}, nil, err
	}
	clone.Metadata.Checksum = checksum
	payload, err = json.Marshal(clone)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("encode payload: %w", err)
	}

	envelope := Envelope{
		SchemaVersion: SchemaVersion,
		WrittenAt:     stamp,
		Checksum:      checksum,
		Payload:       payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("encode envelope: %w", err)
	}
	if int64(len(data)) > c.maxSize {
		return Envelope{}, nil, fmt.Errorf("encoded size %d exceeds limit %d: %w",
			len(data), c.maxSize, syncengine.ErrQuotaExceeded)
	}
	return envelope, data, nil
}

// Decode parses and verifies an envelope, returning its payload document.
func (c *Codec) Decode(data []byte) (*settings.UserSettings, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %v: %w", err, syncengine.ErrParseError)
	}
	if envelope.SchemaVersion == "" || envelope.Checksum == "" || len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("decode: missing envelope fields: %w", syncengine.ErrInvalidFormat)
	}
	if envelope.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("decode: schema %q, want %q: %w",
			envelope.SchemaVersion, SchemaVersion, syncengine.ErrVersionMismatch)
	}
	checksum, err := PayloadChecksum(envelope.Payload)
	if err != nil {
		return nil, err
	}
	if checksum != envelope.Checksum {
		return nil, fmt.Errorf("decode: checksum %s, stored %s: %w",
			checksum, envelope.Checksum, syncengine.ErrChecksumFailed)
	}
	if err := validatePayloadSchema(envelope.Payload); err != nil {
		return nil, err
	}
	var doc settings.UserSettings
	if err := json.Unmarshal(envelope.Payload, &doc); err != nil {
		return nil, fmt.Errorf("decode payload: %v: %w", err, syncengine.ErrParseError)
	}
	return &doc, nil
}

// PayloadChecksum computes the FNV-1a checksum of a payload's canonical
// serialization. Only the embedded metadata.checksum field is excluded, so
// any other single-byte mutation of the stored payload fails verification.
func PayloadChecksum(payload []byte) (string, error) {
	return payloadHash(payload, false)
}

// ContentChecksum hashes the payload with the volatile metadata fields
// (checksum, lastModified) excluded, so documents with identical content
// hash identically across saves; the store's duplicate-save suppression
// keys on this hash.
func ContentChecksum(payload []byte) (string, error) {
	return payloadHash(payload, true)
}

func payloadHash(payload []byte, contentOnly bool) (string, error) {
	var generic map[string]any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return "", fmt.Errorf("checksum: %v: %w", err, syncengine.ErrParseError)
	}
	if meta, ok := generic["metadata"].(map[string]any); ok {
		delete(meta, "checksum")
		if contentOnly {
			delete(meta, "lastModified")
		}
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	h := fnv.New32a()
	_, _ = h.Write(canonical)
	return fmt.Sprintf("%08x", h.Sum32()), nil
}

func parseRFC3339(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func validatePayloadSchema(payload []byte) error {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(settingsSchemaJSON)))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("user_settings.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("user_settings.schema.json")
	})
	if schemaErr != nil {
		return fmt.Errorf("settings schema: %w", schemaErr)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, syncengine.ErrParseError)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return fmt.Errorf("payload schema: %v: %w", err, syncengine.ErrInvalidFormat)
	}
	return nil
}

// settingsSchemaJSON is the structural schema for persisted payloads. It
// checks shapes and ranges; semantic rules (enum membership, PEG
// references, formula cycles) live in the settings package.
const settingsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["userId", "preferences", "metadata"],
  "properties": {
    "userId": {"type": "string"},
    "preferences": {
      "type": "object",
      "properties": {
        "dashboard": {
          "type": "object",
          "properties": {
            "selectedPegs": {"type": ["array", "null"], "items": {"type": "string"}},
            "autoRefreshInterval": {"type": "integer", "minimum": 0},
            "defaultHours": {"type": "integer", "minimum": 1}
          }
        },
        "charts": {
          "type": "object",
          "properties": {
            "decimalPlaces": {"type": "integer", "minimum": 0, "maximum": 6}
          }
        },
        "filters": {"type": "object"}
      }
    },
    "databaseSettings": {"type": "object"},
    "statisticsSettings": {"type": "object"},
    "derivedPegSettings": {
      "type": "object",
      "properties": {
        "formulas": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "required": ["id", "name", "formula"],
            "properties": {
              "id": {"type": "string"},
              "name": {"type": "string"},
              "formula": {"type": "string"},
              "active": {"type": "boolean"}
            }
          }
        }
      }
    },
    "pegConfigurations": {"type": ["array", "null"]},
    "statisticsConfigurations": {"type": ["array", "null"]},
    "metadata": {
      "type": "object",
      "required": ["version"],
      "properties": {
        "version": {"type": "integer", "minimum": 1},
        "createdAt": {"type": "string"},
        "lastModified": {"type": "string"}
      }
    }
  }
}`
