package certs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const cloudflareAPI = "https://api.cloudflare.com/client/v4"

// Cloudflare implements DNSProvider against the Cloudflare REST API. Zones
// are cached for a day since they change rarely and the zone list is the
// most expensive call in the flow.
type Cloudflare struct {
	token     string
	accountID string
	api       string
	http      *http.Client

	mu         sync.Mutex
	zones      map[string]string // zone name -> id
	zonesFetch time.Time
}

func NewCloudflare(token, accountID string) (*Cloudflare, error) {
	if token == "" {
		return nil, fmt.Errorf("CLOUDFLARE_API_TOKEN not set")
	}
	return &Cloudflare{
		token:     token,
		accountID: accountID,
		api:       cloudflareAPI,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type cloudflareResponse struct {
	Success bool              `json:"success"`
	Errors  []json.RawMessage `json:"errors"`
	Result  json.RawMessage   `json:"result"`
}

// VerifyToken checks the API token against the accounts endpoint. Requires
// the account id; without it verification is skipped.
func (c *Cloudflare) VerifyToken() error {
	if c.accountID == "" {
		return fmt.Errorf("CLOUDFLARE_ACCOUNT_ID not set, cannot verify token")
	}
	var result struct {
		Status string `json:"status"`
	}
	url := fmt.Sprintf("%s/accounts/%s/tokens/verify", c.api, c.accountID)
	if err := c.do(http.MethodGet, url, nil, &result); err != nil {
		return err
	}
	if result.Status != "active" {
		return fmt.Errorf("cloudflare token status is %q, want active", result.Status)
	}
	return nil
}

// CreateRecord creates the TXT record and returns its id for later deletion.
func (c *Cloudflare) CreateRecord(domain, name, value string) (string, error) {
	zoneID, err := c.zoneFor(domain)
	if err != nil {
		return "", err
	}
	payload := map[string]interface{}{
		"type":    "TXT",
		"name":    name,
		"content": value,
		"ttl":     120, // cloudflare minimum for TXT
		"proxied": false,
	}
	var result struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/zones/%s/dns_records", c.api, zoneID)
	if err := c.do(http.MethodPost, url, payload, &result); err != nil {
		return "", fmt.Errorf("failed to create record %s: %w", name, err)
	}
	return result.ID, nil
}

// DeleteRecord removes a record previously created for the domain.
func (c *Cloudflare) DeleteRecord(domain, recordID string) error {
	zoneID, err := c.zoneFor(domain)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/zones/%s/dns_records/%s", c.api, zoneID, recordID)
	if err := c.do(http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", recordID, err)
	}
	return nil
}

// zoneFor finds the registered zone covering the (possibly wildcard)
// domain by walking its suffixes: sub.example.com tries sub.example.com,
// then example.com.
func (c *Cloudflare) zoneFor(domain string) (string, error) {
	zones, err := c.zoneMap()
	if err != nil {
		return "", err
	}
	name := strings.TrimSuffix(strings.TrimPrefix(domain, "*."), ".")
	parts := strings.Split(name, ".")
	for i := 0; i < len(parts)-1; i++ {
		candidate := strings.Join(parts[i:], ".")
		if id, ok := zones[candidate]; ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("no cloudflare zone found for domain %s", domain)
}

func (c *Cloudflare) zoneMap() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zones != nil && time.Since(c.zonesFetch) < 24*time.Hour {
		return c.zones, nil
	}
	var result []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.do(http.MethodGet, c.api+"/zones", nil, &result); err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	zones := make(map[string]string, len(result))
	for _, z := range result {
		zones[z.Name] = z.ID
	}
	c.zones = zones
	c.zonesFetch = time.Now()
	return zones, nil
}

func (c *Cloudflare) do(method, url string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cloudflare api returned %d: %s", resp.StatusCode, data)
	}
	var envelope cloudflareResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode cloudflare response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("cloudflare api call failed: %s", envelope.Errors)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to decode cloudflare result: %w", err)
		}
	}
	return nil
}
