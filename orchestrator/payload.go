package orchestrator

import (
	"encoding/json"
	"fmt"
)

// wirePayload is the shape a task's raw JSON metadata takes on the wire.
// Some callers (an older API client version, per spec §4.8 step 2) nest
// the real fields one level down under originalMetadata instead of at
// the top level.
type wirePayload struct {
	Provider         string                 `json:"provider"`
	Model            string                 `json:"model"`
	Params           map[string]interface{} `json:"params"`
	OriginalMetadata json.RawMessage        `json:"originalMetadata,omitempty"`
}

// reconstructRequest unwraps the legacy originalMetadata nesting if
// present and returns the typed request the provider adapter expects.
func reconstructRequest(raw json.RawMessage) (ProviderRequest, error) {
	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ProviderRequest{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if len(p.OriginalMetadata) > 0 {
		var inner wirePayload
		if err := json.Unmarshal(p.OriginalMetadata, &inner); err != nil {
			return ProviderRequest{}, fmt.Errorf("%w: legacy originalMetadata: %v", ErrValidation, err)
		}
		p = inner
	}

	if p.Provider == "" || p.Model == "" {
		return ProviderRequest{}, fmt.Errorf("%w: provider and model are required", ErrValidation)
	}

	return ProviderRequest{Provider: p.Provider, Model: p.Model, Params: p.Params}, nil
}
