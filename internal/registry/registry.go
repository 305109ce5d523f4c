// Package registry is a minimal Confluent Schema Registry client: a
// schema registry interaction is two small HTTP calls, and the
// confluent-kafka-go schemaregistry package itself does the same thing
// internally, so there is nothing an additional library buys here
// beyond what net/http already gives us.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Client registers schema text under a subject and returns a stable
// integer id. Registration is at-least-once: registering identical
// text twice must return the same id.
type Client interface {
	EnsureSchema(ctx context.Context, subject, schemaText string) (int32, error)
}

// HTTPClient talks to a Confluent-compatible schema registry over
// plain HTTP. It is only meaningful when the configured output format
// is binary.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client

	// cache avoids a network round-trip for schema text this process
	// has already registered. Single-threaded supervisor access only,
	// so a plain map needs no lock.
	cache map[string]int32
}

// NewHTTPClient constructs a registry client pointed at baseURL (e.g.
// "http://localhost:8081").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: make(map[string]int32),
	}
}

var _ Client = (*HTTPClient)(nil)

// EnsureSchema registers schemaText under subject if it hasn't already
// been registered by this process, returning the registry-assigned id.
func (c *HTTPClient) EnsureSchema(ctx context.Context, subject, schemaText string) (int32, error) {
	key := subject + "\x00" + schemaText
	if id, ok := c.cache[key]; ok {
		return id, nil
	}

	id, err := c.register(ctx, subject, schemaText)
	if err != nil {
		return 0, err
	}
	c.cache[key] = id
	return id, nil
}

type registerRequest struct {
	SchemaType string `json:"schemaType,omitempty"`
	Schema     string `json:"schema"`
}

type registerResponse struct {
	ID int32 `json:"id"`
}

// register POSTs a new schema version for subject. The registry
// returns the existing id, unchanged, when the text is byte-identical
// to an already-registered version, which is what gives us
// at-least-once/idempotent semantics without needing to
// fetch-then-compare ourselves.
func (c *HTTPClient) register(ctx context.Context, subject, schemaText string) (int32, error) {
	body, err := json.Marshal(registerRequest{
		SchemaType: "JSON",
		Schema:     schemaText,
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}

	url := fmt.Sprintf("%s/subjects/%s/versions", c.baseURL, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "registering schema for subject %s", subject)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return 0, errors.Errorf("schema registry rejected subject %s: %s", subject, data)
	}

	var payload registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, errors.Wrapf(err, "decoding schema registry response for subject %s", subject)
	}
	return payload.ID, nil
}
