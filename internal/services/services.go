// Package services holds thin REST clients for the downstream Grove services.
// Each client is a pass-through wrapper: build the request, attach the
// caller's bearer token, decode JSON.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grovehq/grove-gateway/internal/config"
	"github.com/grovehq/grove-gateway/internal/log"
)

// restClient is the shared HTTP plumbing for all service clients.
type restClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

func newRESTClient(name, baseURL string) restClient {
	return restClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// do issues a JSON request with the caller's bearer token and decodes the
// response into out when out is non-nil.
func (c *restClient) do(ctx context.Context, method, path, accessToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", c.name, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.LogWarnWithFields("services", "Downstream service returned an error", map[string]any{
			"service": c.name,
			"status":  resp.StatusCode,
			"path":    path,
		})
		return fmt.Errorf("%s returned status %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}

// Lattice is the blog service.
type Lattice struct{ restClient }

// Post is a blog post summary.
type Post struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Published bool   `json:"published"`
}

func (l *Lattice) ListPosts(ctx context.Context, accessToken string) ([]Post, error) {
	var posts []Post
	if err := l.do(ctx, http.MethodGet, "/posts", accessToken, nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (l *Lattice) CreatePost(ctx context.Context, accessToken, title, content string) (*Post, error) {
	var post Post
	payload := map[string]string{"title": title, "content": content}
	if err := l.do(ctx, http.MethodPost, "/posts", accessToken, payload, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

// Amber is the storage service.
type Amber struct{ restClient }

// Object is a stored object descriptor.
type Object struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	UpdatedAt string `json:"updated_at"`
}

func (a *Amber) ListObjects(ctx context.Context, accessToken, prefix string) ([]Object, error) {
	var objects []Object
	path := "/objects"
	if prefix != "" {
		path += "?prefix=" + prefix
	}
	if err := a.do(ctx, http.MethodGet, path, accessToken, nil, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// Bloom is the social service.
type Bloom struct{ restClient }

func (b *Bloom) Publish(ctx context.Context, accessToken, text string) error {
	return b.do(ctx, http.MethodPost, "/updates", accessToken, map[string]string{"text": text}, nil)
}

// Pulse is the analytics service.
type Pulse struct{ restClient }

// Summary is an aggregate analytics snapshot.
type Summary struct {
	Visitors  int64 `json:"visitors"`
	PageViews int64 `json:"page_views"`
}

func (p *Pulse) Summary(ctx context.Context, accessToken string) (*Summary, error) {
	var summary Summary
	if err := p.do(ctx, http.MethodGet, "/summary", accessToken, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Forage is the deal-finding service.
type Forage struct{ restClient }

// Burrow is the remote development service.
type Burrow struct{ restClient }

// Registry bundles the per-service clients configured from the gateway config.
type Registry struct {
	Lattice *Lattice
	Amber   *Amber
	Bloom   *Bloom
	Pulse   *Pulse
	Forage  *Forage
	Burrow  *Burrow
}

// NewRegistry builds clients for every configured downstream service. Missing
// entries get a client pointed at an empty base URL; their tools report the
// service as unconfigured at call time.
func NewRegistry(services map[string]config.ServiceConfig) *Registry {
	base := func(name string) string {
		if svc, ok := services[name]; ok {
			return svc.BaseURL
		}
		return ""
	}
	return &Registry{
		Lattice: &Lattice{newRESTClient("lattice", base("lattice"))},
		Amber:   &Amber{newRESTClient("amber", base("amber"))},
		Bloom:   &Bloom{newRESTClient("bloom", base("bloom"))},
		Pulse:   &Pulse{newRESTClient("pulse", base("pulse"))},
		Forage:  &Forage{newRESTClient("forage", base("forage"))},
		Burrow:  &Burrow{newRESTClient("burrow", base("burrow"))},
	}
}
