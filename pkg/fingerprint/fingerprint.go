package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/recall-ai/recall/pkg/models"
)

// Fingerprinter derives cache keys from the semantic content of a completion
// request. Two requests with identical messages and temperature always map to
// the same key; the streaming flag never participates. Whether the model name
// participates is a deployment choice (see config cache.include_model_in_key).
type Fingerprinter struct {
	includeModel bool
}

// New creates a Fingerprinter. When includeModel is true, the model name is
// mixed into the key, so the same prompt against two models caches separately.
func New(includeModel bool) *Fingerprinter {
	return &Fingerprinter{includeModel: includeModel}
}

// keyMaterial is the canonical form that gets hashed. JSON marshalling of a
// struct is deterministic (fields in declaration order) and structurally
// unambiguous: {role:"a", content:"b,c"} and {role:"a,", content:"b"} encode
// differently, unlike naive string concatenation.
type keyMaterial struct {
	Model       string               `json:"model,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
}

// Key returns the 64-character hex SHA-256 digest identifying the request.
func (f *Fingerprinter) Key(model string, messages []models.ChatMessage, temperature float64) (string, error) {
	m := keyMaterial{Messages: messages, Temperature: temperature}
	if f.includeModel {
		m.Model = model
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode key material: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
