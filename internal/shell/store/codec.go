package store

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/artpar/stackpilot/internal/core/stack"
)

// =============================================================================
// Portable Export / Import
// =============================================================================

// Export encodes a configuration into a single paste-safe string:
// YAML, zlib-compressed, URL-safe base64. Import(Export(cfg)) yields an
// equivalent configuration.
func Export(cfg stack.Config) (string, error) {
	if err := stack.Validate(cfg); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", NewStoreError("Export", "", "encode configuration", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return "", NewStoreError("Export", "", "compress configuration", err)
	}
	if err := zw.Close(); err != nil {
		return "", NewStoreError("Export", "", "compress configuration", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// Import decodes an Export payload back into a validated configuration.
// Garbage input of any kind maps onto ErrCorruptPayload; a payload that
// decodes but does not validate surfaces the validation error.
func Import(payload string) (stack.Config, error) {
	var cfg stack.Config

	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return cfg, NewStoreError("Import", "", "decode payload", ErrCorruptPayload)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return cfg, NewStoreError("Import", "", "decompress payload", ErrCorruptPayload)
	}
	data, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return cfg, NewStoreError("Import", "", "decompress payload", ErrCorruptPayload)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, NewStoreError("Import", "", "parse payload", ErrCorruptPayload)
	}
	if err := stack.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
