package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HubSpotClient talks to the HubSpot CRM v3 contacts API.
type HubSpotClient struct {
	BaseURL     string // defaults to the public API
	AccessToken string
	Client      *http.Client
}

var _ Client = (*HubSpotClient)(nil)

func (h *HubSpotClient) Name() string { return "hubspot" }

type hubspotContact struct {
	Properties map[string]string `json:"properties"`
}

func (h *HubSpotClient) UpsertContact(ctx context.Context, c Contact) error {
	if err := validateContact(c); err != nil {
		return err
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	base := h.BaseURL
	if base == "" {
		base = "https://api.hubapi.com"
	}

	props := map[string]string{}
	setIfPresent(props, "email", c.Email)
	setIfPresent(props, "firstname", c.FirstName)
	setIfPresent(props, "lastname", c.LastName)
	setIfPresent(props, "phone", c.Phone)
	setIfPresent(props, "company", c.Company)
	setIfPresent(props, "hs_content_membership_notes", c.Notes)

	raw, err := json.Marshal(hubspotContact{Properties: props})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/crm/v3/objects/contacts", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.AccessToken)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("crm: hubspot: %w", err)
	}
	defer resp.Body.Close()

	// 409 means the contact exists; that's success for an upsert intent
	// until a patch-by-email flow is needed.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: hubspot status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

func setIfPresent(props map[string]string, key, val string) {
	if val != "" {
		props[key] = val
	}
}
