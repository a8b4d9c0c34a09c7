// Package country resolves coordinate pairs to ISO-3166 alpha-2 country
// codes through a reverse-geocoding endpoint. Lookups are memoized by a
// bounded in-process cache; resolution failures are reported to the caller,
// which must treat the location as unresolved rather than fail.
package country

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Place is a resolved location. CountryCode is upper-case ISO-3166 alpha-2;
// empty fields mean the geocoder had no answer for them.
type Place struct {
	CountryCode string
	State       string
	City        string
}

// Resolver turns a coordinate pair into a Place.
type Resolver interface {
	Resolve(ctx context.Context, lat, lon string) (Place, error)
}

// DefaultTimeout bounds a single reverse-geocode round trip.
const DefaultTimeout = 2 * time.Second

// HTTPResolver reverse-geocodes through a Nominatim-compatible endpoint
// (GET /reverse?format=jsonv2&lat=..&lon=..).
type HTTPResolver struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewHTTPResolver builds a resolver against baseURL. A non-positive timeout
// falls back to DefaultTimeout.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPResolver{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "fraud-engine/1.0",
		client:    &http.Client{Timeout: timeout},
	}
}

type reverseResponse struct {
	Address struct {
		CountryCode string `json:"country_code"`
		State       string `json:"state"`
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
	} `json:"address"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, lat, lon string) (Place, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", lat)
	q.Set("lon", lon)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return Place{}, fmt.Errorf("failed to build reverse geocode request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Place{}, fmt.Errorf("reverse geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Place{}, fmt.Errorf("reverse geocode returned status %d", resp.StatusCode)
	}

	var decoded reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Place{}, fmt.Errorf("failed to decode reverse geocode response: %w", err)
	}

	city := decoded.Address.City
	if city == "" {
		city = decoded.Address.Town
	}
	if city == "" {
		city = decoded.Address.Village
	}
	return Place{
		CountryCode: strings.ToUpper(decoded.Address.CountryCode),
		State:       decoded.Address.State,
		City:        city,
	}, nil
}
