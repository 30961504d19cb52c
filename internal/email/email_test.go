package email

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidAddress(t *testing.T) {
	valid := []string{"a@b.co", "jane.doe+tag@example.com", " padded@example.com "}
	for _, addr := range valid {
		if !ValidAddress(addr) {
			t.Fatalf("%q should be valid", addr)
		}
	}
	invalid := []string{"", "not-an-email", "a@b", "jane at example.com", "@example.com", "a@.com"}
	for _, addr := range invalid {
		if ValidAddress(addr) {
			t.Fatalf("%q should be invalid", addr)
		}
	}
}

func TestAPIClient_SendRejectsBadAddressWithoutCalling(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := APIClient{BaseURL: srv.URL, APIKey: "k", Client: srv.Client()}
	err := c.Send(context.Background(), Message{To: "hallucinated address", Subject: "s", Body: "b"})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if called {
		t.Fatal("API called despite invalid address")
	}
}

func TestAPIClient_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := APIClient{BaseURL: srv.URL, APIKey: "k", Client: srv.Client()}
	if err := c.Send(context.Background(), Message{To: "a@b.co", Subject: "s", Body: "b"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	srv500 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv500.Close()
	c = APIClient{BaseURL: srv500.URL, APIKey: "k", Client: srv500.Client()}
	if err := c.Send(context.Background(), Message{To: "a@b.co"}); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
}
