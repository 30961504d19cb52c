package crm

import (
	"context"
	"errors"
)

// Contact is the provider-agnostic record workflow nodes push to a CRM.
// Fields come from call analysis outputs; empty fields are omitted at the
// provider boundary.
type Contact struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

var (
	ErrRejected = errors.New("crm: request rejected")
	// ErrNoIdentifier means the contact has neither email nor phone, so
	// the CRM cannot upsert it.
	ErrNoIdentifier = errors.New("crm: contact has no identifier")
)

// Client is the CRM boundary. UpsertContact creates or updates by email
// (preferred) or phone.
type Client interface {
	Name() string
	UpsertContact(ctx context.Context, c Contact) error
}

func validateContact(c Contact) error {
	if c.Email == "" && c.Phone == "" {
		return ErrNoIdentifier
	}
	return nil
}

// MemoryClient records upserts for tests.
type MemoryClient struct {
	Provider string
	Upserts  []Contact
	Err      error
}

func (m *MemoryClient) Name() string { return m.Provider }

func (m *MemoryClient) UpsertContact(ctx context.Context, c Contact) error {
	if err := validateContact(c); err != nil {
		return err
	}
	if m.Err != nil {
		return m.Err
	}
	m.Upserts = append(m.Upserts, c)
	return nil
}
