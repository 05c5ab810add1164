// Package transport posts exchange payloads to the management server.
// It is stateless: one POST per call, no retries; any network or protocol
// failure is returned as an error for the exchange engine to treat as a
// failed exchange.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/log"
)

const (
	contentType    = "application/bson"
	defaultTimeout = 60 * time.Second

	// Response bodies larger than this are treated as protocol errors.
	maxResponseSize = 16 << 20
)

// HTTPTransport delivers payloads over HTTP POST.
type HTTPTransport struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// New creates a transport for the given exchange URL.
func New(url string) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: log.WithComponent("transport"),
	}
}

// URL returns the exchange endpoint.
func (t *HTTPTransport) URL() string {
	return t.url
}

// SetURL changes the exchange endpoint (configuration reload).
func (t *HTTPTransport) SetURL(url string) {
	t.url = url
}

// Exchange posts one payload and returns the decoded response. computerID
// identifies this host to the server; messageAPI is the API version of
// the message batch in the payload.
func (t *HTTPTransport) Exchange(payload bson.M, computerID, messageAPI string) (bson.M, error) {
	body, err := bson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Message-API", messageAPI)
	if computerID != "" {
		req.Header.Set("X-Computer-ID", computerID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange response: %w", err)
	}

	dec := bson.NewDecoder(bson.NewDocumentReader(bytes.NewReader(data)))
	dec.DefaultDocumentM()
	var response bson.M
	if err := dec.Decode(&response); err != nil {
		return nil, fmt.Errorf("malformed exchange response: %w", err)
	}

	t.logger.Debug().Int("bytes", len(data)).Msg("exchange completed")
	return response, nil
}
