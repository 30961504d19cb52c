package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Address validation is strict on purpose: recipients often come out of
// LLM analysis of a transcript, and a hallucinated or mangled address
// must be rejected here, not bounced by the provider.
var addressPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

var (
	ErrInvalidAddress = errors.New("email: invalid address")
	ErrSendFailed     = errors.New("email: send failed")
)

func ValidAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	return addr != "" && addressPattern.MatchString(addr)
}

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// ReplyTo is optional.
	ReplyTo string `json:"reply_to,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// APIClient sends through the transactional email API.
type APIClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

var _ Sender = (*APIClient)(nil)

func (c APIClient) Send(ctx context.Context, msg Message) error {
	if !ValidAddress(msg.To) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, msg.To)
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/send", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// MemorySender records messages for tests.
type MemorySender struct {
	Messages []Message
	Err      error
}

func (m *MemorySender) Send(ctx context.Context, msg Message) error {
	if !ValidAddress(msg.To) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, msg.To)
	}
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msg)
	return nil
}
