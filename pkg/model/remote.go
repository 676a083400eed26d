package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Remote is a named endpoint commits can be pushed to or pulled from. The
// shape of Properties is owned by the provider named in Provider.
type Remote struct {
	Provider   string         `json:"provider"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// RemoteParameters carries per-request credentials and options for a remote.
type RemoteParameters struct {
	Provider   string         `json:"provider"`
	Properties map[string]any `json:"properties"`
}

type remoteJSON struct {
	Provider   string          `json:"provider"`
	Name       string          `json:"name"`
	Properties json.RawMessage `json:"properties"`
}

// UnmarshalJSON reads the provider discriminator before the properties.
func (r *Remote) UnmarshalJSON(data []byte) error {
	var raw remoteJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Provider == "" {
		return fmt.Errorf("remote %q: missing provider", raw.Name)
	}
	props, err := decodeRawProperties(raw.Properties)
	if err != nil {
		return fmt.Errorf("remote %q: %w", raw.Name, err)
	}
	*r = Remote{Provider: raw.Provider, Name: raw.Name, Properties: props}
	return nil
}

// UnmarshalJSON reads the provider discriminator before the properties.
func (p *RemoteParameters) UnmarshalJSON(data []byte) error {
	var raw remoteJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Provider == "" {
		return fmt.Errorf("remote parameters: missing provider")
	}
	props, err := decodeRawProperties(raw.Properties)
	if err != nil {
		return fmt.Errorf("remote parameters: %w", err)
	}
	*p = RemoteParameters{Provider: raw.Provider, Properties: props}
	return nil
}

func decodeRawProperties(raw json.RawMessage) (map[string]any, error) {
	props := make(map[string]any)
	if len(raw) == 0 || string(raw) == "null" {
		return props, nil
	}
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}

// DecodeProperties converts a property bag into a provider's typed schema.
// Unknown fields are rejected.
func DecodeProperties(props map[string]any, out any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// EncodeProperties converts a provider's typed schema into a property bag.
func EncodeProperties(in any) (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	props := make(map[string]any)
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return props, nil
}
