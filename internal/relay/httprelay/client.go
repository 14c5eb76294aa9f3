// Package httprelay is the bundled relay transport: a JSON-over-HTTP
// shim implementing the relay.Client capability. Publishes POST one
// envelope to /publish; subscriptions POST a filter to /req and stream
// newline-delimited envelopes until the caller cancels or the relay
// hangs up.
package httprelay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pacerlabs/stride/internal/record"
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to one relay endpoint over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config describes one relay endpoint.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New validates the endpoint and returns a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("httprelay: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{baseURL: base, httpClient: httpClient}, nil
}

// URL returns the relay endpoint.
func (c *Client) URL() string {
	return c.baseURL
}

// Publish sends one envelope and treats any 2xx as an acknowledgment.
func (c *Client) Publish(ctx context.Context, rec record.Record) error {
	payload, err := rec.Encode()
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/publish", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("httprelay: relay returned %d", response.StatusCode)
	}
	return nil
}

type filterPayload struct {
	Kinds   []int               `json:"kinds,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Tags    map[string][]string `json:"tags,omitempty"`
	Since   int64               `json:"since,omitempty"`
	Until   int64               `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// Subscribe opens a streaming request and forwards decoded envelopes
// until the context is done or the relay closes the stream. Lines that
// fail to decode are skipped; the channel closes when the stream ends.
func (c *Client) Subscribe(ctx context.Context, filter record.Filter) (<-chan record.Record, error) {
	payload, err := json.Marshal(filterPayload{
		Kinds:   filter.Kinds,
		Authors: filter.Authors,
		Tags:    filter.Tags,
		Since:   filter.Since,
		Until:   filter.Until,
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/req", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/x-ndjson")

	// Streaming requests must not inherit the flat request timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	response, err := streamClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		response.Body.Close()
		return nil, fmt.Errorf("httprelay: relay returned %d", response.StatusCode)
	}

	stream := make(chan record.Record, 16)
	go func() {
		defer close(stream)
		defer response.Body.Close()
		scanner := bufio.NewScanner(response.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			rec, decodeErr := record.Decode(line)
			if decodeErr != nil {
				continue
			}
			select {
			case stream <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}
