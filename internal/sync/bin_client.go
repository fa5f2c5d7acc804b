package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/omarels/haaq/backend/internal/errors"
)

// BinClientConfig holds JSON bin endpoint configuration.
type BinClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Private bool          `mapstructure:"private"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultBinClientConfig returns default bin client configuration.
func DefaultBinClientConfig() *BinClientConfig {
	return &BinClientConfig{
		BaseURL: "https://api.jsonbin.io/v3/b",
		Private: true,
		Timeout: 30 * time.Second,
	}
}

// BinClient implements DocumentStore for a JSON bin service: one document
// per container, addressed by {baseURL}/{containerID}.
type BinClient struct {
	config     *BinClientConfig
	httpClient *http.Client
}

// binEnvelope is the response body of every bin endpoint.
type binEnvelope struct {
	Record   json.RawMessage `json:"record"`
	Metadata struct {
		ID string `json:"id"`
	} `json:"metadata"`
}

// NewBinClient creates a new BinClient.
func NewBinClient(config *BinClientConfig) *BinClient {
	if config == nil {
		config = DefaultBinClientConfig()
	}
	return &BinClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Create stores doc in a new container and returns its id.
func (c *BinClient) Create(ctx context.Context, doc []byte) (string, error) {
	env, err := c.do(ctx, http.MethodPost, c.baseURL(), doc, "create")
	if err != nil {
		return "", err
	}
	if env.Metadata.ID == "" {
		return "", errors.Remote("create response has no container id", http.StatusOK, nil)
	}
	return env.Metadata.ID, nil
}

// Upload replaces the document in an existing container.
func (c *BinClient) Upload(ctx context.Context, containerID string, doc []byte) error {
	_, err := c.do(ctx, http.MethodPut, c.baseURL()+"/"+containerID, doc, "upload")
	return err
}

// Download fetches the latest document of a container.
func (c *BinClient) Download(ctx context.Context, containerID string) ([]byte, error) {
	env, err := c.do(ctx, http.MethodGet, c.baseURL()+"/"+containerID+"/latest", nil, "download")
	if err != nil {
		return nil, err
	}
	if len(env.Record) == 0 || string(env.Record) == "null" {
		return nil, errors.Remote("download response has no record", http.StatusOK, nil)
	}
	return env.Record, nil
}

func (c *BinClient) baseURL() string {
	return strings.TrimRight(c.config.BaseURL, "/")
}

func (c *BinClient) do(ctx context.Context, method, url string, body []byte, op string) (*binEnvelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Remote(op+" request could not be built", 0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-Master-Key", c.config.APIKey)
	}
	if c.config.Private {
		req.Header.Set("X-Bin-Private", "true")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Remote(op+" request failed", 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Remote("failed to read "+op+" response", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Remote(op+" failed", resp.StatusCode, fmt.Errorf("%s", truncate(data, 200)))
	}

	var env binEnvelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, errors.Remote("invalid "+op+" response", resp.StatusCode, err)
		}
	}
	return &env, nil
}

func truncate(data []byte, n int) string {
	s := strings.TrimSpace(string(data))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
