package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ZohoClient talks to the Zoho CRM v2 Contacts upsert API.
type ZohoClient struct {
	BaseURL     string // defaults to the public API
	AccessToken string
	Client      *http.Client
}

var _ Client = (*ZohoClient)(nil)

func (z *ZohoClient) Name() string { return "zoho" }

type zohoUpsertRequest struct {
	Data                 []map[string]string `json:"data"`
	DuplicateCheckFields []string            `json:"duplicate_check_fields"`
}

func (z *ZohoClient) UpsertContact(ctx context.Context, c Contact) error {
	if err := validateContact(c); err != nil {
		return err
	}
	client := z.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	base := z.BaseURL
	if base == "" {
		base = "https://www.zohoapis.com"
	}

	record := map[string]string{}
	setIfPresent(record, "Email", c.Email)
	setIfPresent(record, "First_Name", c.FirstName)
	setIfPresent(record, "Last_Name", c.LastName)
	setIfPresent(record, "Phone", c.Phone)
	setIfPresent(record, "Account_Name", c.Company)
	setIfPresent(record, "Description", c.Notes)
	// Zoho requires Last_Name on contact records.
	if record["Last_Name"] == "" {
		record["Last_Name"] = "Unknown"
	}

	raw, err := json.Marshal(zohoUpsertRequest{
		Data:                 []map[string]string{record},
		DuplicateCheckFields: []string{"Email"},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/crm/v2/Contacts/upsert", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Zoho-oauthtoken "+z.AccessToken)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("crm: zoho: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: zoho status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}
