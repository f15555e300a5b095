// Package geoip annotates hosts with their country using an ip-api.com
// compatible endpoint.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/types"
)

const apiTimeout = 5 * time.Second

// Geo is the location of one host.
type Geo struct {
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	Region      string `json:"regionName"`
	City        string `json:"city"`
}

// apiResponse defines the structure for the ip-api.com JSON response.
type apiResponse struct {
	Geo
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Client 查询 GeoIP 接口并按主机缓存结果。
type Client struct {
	endpoint string
	http     *http.Client
	mu       sync.Mutex
	cache    map[string]Geo
	log      zerolog.Logger
}

func New(conf types.GeoIPConf) *Client {
	endpoint := conf.Endpoint
	if endpoint == "" {
		endpoint = "http://ip-api.com/json/"
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: apiTimeout},
		cache:    make(map[string]Geo),
		log:      logger.WithComponent("GeoIP"),
	}
}

// Lookup returns the location of host, an IP address or a domain name.
func (c *Client) Lookup(ctx context.Context, host string) (Geo, error) {
	c.mu.Lock()
	g, ok := c.cache[host]
	c.mu.Unlock()
	if ok {
		return g, nil
	}

	apiURL := c.endpoint + url.PathEscape(host) + "?fields=status,message,country,countryCode,regionName,city"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return Geo{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Geo{}, fmt.Errorf("geo API request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Geo{}, fmt.Errorf("geo API returned status %d", resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return Geo{}, fmt.Errorf("failed to decode geo API response: %w", err)
	}
	if apiResp.Status != "success" {
		return Geo{}, fmt.Errorf("geo API lookup of %s: %s %s", host, apiResp.Status, apiResp.Message)
	}

	c.mu.Lock()
	c.cache[host] = apiResp.Geo
	c.mu.Unlock()
	c.log.Debug().Str("host", host).Str("country", apiResp.Country).Msg("geo lookup")
	return apiResp.Geo, nil
}

// Country returns the ISO country code of host, falling back to the country
// name when the endpoint does not report a code.
func (c *Client) Country(ctx context.Context, host string) (string, error) {
	g, err := c.Lookup(ctx, host)
	if err != nil {
		return "", err
	}
	if g.CountryCode != "" {
		return g.CountryCode, nil
	}
	return g.Country, nil
}
