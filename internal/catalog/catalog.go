// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog resolves the list of usable model identifiers for a
// provider.
//
// Live discovery is attempted first; the static registry list covers
// live failures and empty results. Discovery failure is never fatal to
// the caller: a usable list always comes back, with the failure reason
// reported separately for display.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/marginalia/internal/cloud"
	"github.com/jeranaias/marginalia/internal/provider"
)

// ScanCeiling caps the total number of entries paged through per
// listing, bounding discovery latency on providers with huge catalogs.
const ScanCeiling = 300

// Sources for a catalog result.
const (
	SourceLive     = "live"
	SourceFallback = "fallback"
)

// discoveryTimeout bounds a whole discovery round trip.
const discoveryTimeout = 15 * time.Second

// Result is a resolved model catalog.
type Result struct {
	// Models is the ranked, deduplicated identifier list. The
	// currently-configured model is always present.
	Models []string `json:"models"`

	// Source records whether discovery or the fallback table answered.
	Source string `json:"source"`

	// Err carries the live-path failure reason when Source is
	// "fallback" because of an error. Informational only.
	Err string `json:"error,omitempty"`
}

// Resolver lists models per (provider, credential) pair. Catalogs are
// ephemeral and never persisted.
type Resolver struct {
	endpoints  cloud.Endpoints
	httpClient *http.Client

	// limiter keeps UI-driven refreshes from hammering vendor APIs.
	limiter *rate.Limiter
}

// NewResolver creates a resolver against the production endpoints.
func NewResolver() *Resolver {
	return NewResolverWith(cloud.DefaultEndpoints())
}

// NewResolverWith creates a resolver with explicit endpoints, for
// tests.
func NewResolverWith(eps cloud.Endpoints) *Resolver {
	return &Resolver{
		endpoints:  eps,
		httpClient: &http.Client{Timeout: discoveryTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// List resolves the catalog for a provider. current is the model the
// user has selected right now; it is unconditionally prepended when
// discovery and fallback both miss it, so the UI never shows a
// selection that is absent from its own list.
func (r *Resolver) List(ctx context.Context, p provider.Provider, apiKey, current string) Result {
	var models []string
	var liveErr error

	if !provider.IsLocal(p) {
		if err := r.limiter.Wait(ctx); err != nil {
			liveErr = err
		} else {
			models, liveErr = r.listLive(ctx, p, apiKey)
		}
	}

	source := SourceLive
	if liveErr != nil || len(models) == 0 {
		models = provider.FallbackModels(p)
		source = SourceFallback
	}

	res := Result{Models: finalize(models, current), Source: source}
	if liveErr != nil {
		res.Err = liveErr.Error()
	}
	return res
}

// listLive pages through the provider's own listing API.
func (r *Resolver) listLive(ctx context.Context, p provider.Provider, apiKey string) ([]string, error) {
	switch p {
	case provider.Gateway:
		return r.listGateway(ctx, apiKey)
	case provider.OpenAI:
		return r.listOpenAI(ctx, apiKey)
	case provider.Anthropic:
		return r.listAnthropic(ctx, apiKey)
	case provider.Google:
		return r.listGoogle(ctx, apiKey)
	default:
		return nil, fmt.Errorf("no live discovery for provider %q", p)
	}
}

// getJSON fetches and decodes a bounded JSON response.
func (r *Resolver) getJSON(ctx context.Context, endpoint string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return &cloud.APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(excerpt))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, cloud.MaxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse listing: %w", err)
	}
	return nil
}

// listGateway keeps catalog entries whose type is "language" or
// unspecified.
func (r *Resolver) listGateway(ctx context.Context, apiKey string) ([]string, error) {
	header := http.Header{}
	if key := cloud.GatewayKey(apiKey); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}

	var resp struct {
		Data []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	}
	if err := r.getJSON(ctx, r.endpoints.Gateway+"/models", header, &resp); err != nil {
		return nil, err
	}

	var ids []string
	for _, m := range resp.Data {
		if len(ids) >= ScanCeiling {
			break
		}
		if m.Type == "" || m.Type == "language" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// openaiArtifacts marks identifier substrings for non-chat models.
var openaiArtifacts = []string{
	"embedding", "audio", "tts", "whisper", "dall-e", "image", "moderation",
}

// listOpenAI pages the OpenAI model listing to exhaustion, then drops
// non-chat artifact models unless doing so would eliminate everything.
func (r *Resolver) listOpenAI(ctx context.Context, apiKey string) ([]string, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)

	var ids []string
	after := ""
	for len(ids) < ScanCeiling {
		endpoint := r.endpoints.OpenAI + "/models?limit=100"
		if after != "" {
			endpoint += "&after=" + url.QueryEscape(after)
		}

		var resp struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
			HasMore bool `json:"has_more"`
		}
		if err := r.getJSON(ctx, endpoint, header, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			break
		}
		for _, m := range resp.Data {
			if len(ids) >= ScanCeiling {
				break
			}
			ids = append(ids, m.ID)
		}
		if !resp.HasMore {
			break
		}
		after = resp.Data[len(resp.Data)-1].ID
	}

	filtered := make([]string, 0, len(ids))
	for _, id := range ids {
		if !isOpenAIArtifact(id) {
			filtered = append(filtered, id)
		}
	}
	// A filter that empties the whole set is worse than no filter.
	if len(filtered) == 0 {
		return ids, nil
	}
	return filtered, nil
}

// isOpenAIArtifact reports whether the identifier names a non-chat
// artifact (embeddings, audio, image, moderation).
func isOpenAIArtifact(id string) bool {
	lower := strings.ToLower(id)
	for _, marker := range openaiArtifacts {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// listAnthropic pages the Anthropic model listing to exhaustion.
func (r *Resolver) listAnthropic(ctx context.Context, apiKey string) ([]string, error) {
	header := http.Header{}
	header.Set("x-api-key", apiKey)
	header.Set("anthropic-version", "2023-06-01")

	var ids []string
	after := ""
	for len(ids) < ScanCeiling {
		endpoint := r.endpoints.Anthropic + "/models?limit=100"
		if after != "" {
			endpoint += "&after_id=" + url.QueryEscape(after)
		}

		var resp struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
			HasMore bool   `json:"has_more"`
			LastID  string `json:"last_id"`
		}
		if err := r.getJSON(ctx, endpoint, header, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			break
		}
		for _, m := range resp.Data {
			if len(ids) >= ScanCeiling {
				break
			}
			ids = append(ids, m.ID)
		}
		if !resp.HasMore {
			break
		}
		after = resp.LastID
	}
	return ids, nil
}

// listGoogle pages the Google model listing. The listing is not
// scoped by family, so only identifiers carrying the gemini marker
// are kept.
func (r *Resolver) listGoogle(ctx context.Context, apiKey string) ([]string, error) {
	var ids []string
	pageToken := ""
	for len(ids) < ScanCeiling {
		endpoint := fmt.Sprintf("%s/models?pageSize=100&key=%s", r.endpoints.Google, url.QueryEscape(apiKey))
		if pageToken != "" {
			endpoint += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var resp struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := r.getJSON(ctx, endpoint, http.Header{}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Models) == 0 {
			break
		}
		for _, m := range resp.Models {
			if len(ids) >= ScanCeiling {
				break
			}
			id := strings.TrimPrefix(m.Name, "models/")
			if strings.Contains(strings.ToLower(id), "gemini") {
				ids = append(ids, id)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}
