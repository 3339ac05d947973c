package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethree/client-go/internal/apierrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL, MaxRetries: -1, TokenFunc: staticToken("jwt")})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestAuthenticate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/authenticate" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["identity"] != "alice" {
			t.Errorf("identity = %q, want alice", body["identity"])
		}
		json.NewEncoder(w).Encode(map[string]string{"authToken": "auth-1"})
	})

	token, err := client.Authenticate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if token != "auth-1" {
		t.Errorf("Authenticate() = %q, want auth-1", token)
	}
}

func TestAuthenticate_MissingToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"authToken": 42})
	})

	if _, err := client.Authenticate(context.Background(), "alice"); !errors.Is(err, ErrMalformedTokenResponse) {
		t.Errorf("error = %v, want ErrMalformedTokenResponse", err)
	}
}

func TestExchangeToken(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr error
	}{
		{"virgil token", `{"virgilToken":"jwt-1"}`, "jwt-1", nil},
		{"access token", `{"accessToken":"jwt-2"}`, "jwt-2", nil},
		{"missing", `{"token":"x"}`, "", ErrMalformedTokenResponse},
		{"not json", `<html>`, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer auth-1" {
					t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
				}
				w.Write([]byte(tt.body))
			})

			got, err := client.ExchangeToken(context.Background(), "auth-1")
			if tt.want != "" {
				if err != nil || got != tt.want {
					t.Errorf("ExchangeToken() = %q, %v; want %q", got, err, tt.want)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSearchCards(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/actions/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req searchCardsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Identities) != 2 {
			t.Errorf("identities = %v", req.Identities)
		}
		json.NewEncoder(w).Encode(searchCardsResponse{Cards: []Card{{ID: "c1", Identity: "bob", PublicKey: []byte{1, 2}}}})
	})

	cards, err := client.SearchCards(context.Background(), []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("SearchCards() error = %v", err)
	}
	if len(cards) != 1 || cards[0].Identity != "bob" || len(cards[0].PublicKey) != 2 {
		t.Errorf("SearchCards() = %+v", cards)
	}
}

func TestPublishCard_AlreadyRegistered(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"exists","code":"already_registered"}`))
	})

	_, err := client.PublishCard(context.Background(), Card{Identity: "alice"})
	if !errors.Is(err, apierrors.ErrAlreadyRegistered) {
		t.Errorf("error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestReplaceCard(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/cards/alice@example.com" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req replaceCardRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.PreviousCardID != "old" {
			t.Errorf("previous_card_id = %q", req.PreviousCardID)
		}
		req.Card.ID = "new"
		json.NewEncoder(w).Encode(req.Card)
	})

	card, err := client.ReplaceCard(context.Background(), "old", Card{Identity: "alice@example.com"})
	if err != nil {
		t.Fatalf("ReplaceCard() error = %v", err)
	}
	if card.ID != "new" {
		t.Errorf("ID = %q, want new", card.ID)
	}
}

func TestGroupEndpoints_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		call   func(*Client) error
		want   error
	}{
		{"create taken", 409, apierrors.CodeGroupExists, func(c *Client) error {
			return c.PostGroupTicket(context.Background(), "g", GroupTicket{Epoch: 0})
		}, apierrors.ErrGroupAlreadyExists},
		{"epoch conflict", 409, apierrors.CodeEpochConflict, func(c *Client) error {
			return c.PostGroupTicket(context.Background(), "g", GroupTicket{Epoch: 3})
		}, apierrors.ErrGroupEpochConflict},
		{"not initiator", 403, apierrors.CodeNotInitiator, func(c *Client) error {
			return c.PostGroupTicket(context.Background(), "g", GroupTicket{Epoch: 1})
		}, apierrors.ErrGroupPermissionDenied},
		{"missing", 404, "", func(c *Client) error {
			_, err := c.GetGroupTickets(context.Background(), "g")
			return err
		}, apierrors.ErrGroupNotFound},
		{"delete missing", 404, "", func(c *Client) error {
			return c.DeleteGroup(context.Background(), "g")
		}, apierrors.ErrGroupNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": tt.name, "code": tt.code})
			})
			if err := tt.call(client); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBackupEndpoints(t *testing.T) {
	var stored []byte
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /backup/password-transform":
			var req transformRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(transformResponse{Transformed: append([]byte("t:"), req.Blinded...)})
		case "PUT /backup/key":
			var req KeyBackup
			json.NewDecoder(r.Body).Decode(&req)
			if stored != nil && !req.Overwrite {
				w.WriteHeader(http.StatusConflict)
				return
			}
			stored = req.Blob
			w.WriteHeader(http.StatusNoContent)
		case "GET /backup/key":
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(KeyBackup{Blob: stored})
		case "DELETE /backup/key":
			stored = nil
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	out, err := client.TransformPassword(ctx, []byte("b"))
	if err != nil || string(out) != "t:b" {
		t.Fatalf("TransformPassword() = %q, %v", out, err)
	}

	if _, err := client.GetKeyBackup(ctx); !errors.Is(err, apierrors.ErrBackupNotFound) {
		t.Errorf("GetKeyBackup() error = %v, want ErrBackupNotFound", err)
	}
	if err := client.PutKeyBackup(ctx, []byte("blob"), false); err != nil {
		t.Fatalf("PutKeyBackup() error = %v", err)
	}
	if err := client.PutKeyBackup(ctx, []byte("blob2"), false); !errors.Is(err, apierrors.ErrBackupAlreadyExists) {
		t.Errorf("second PutKeyBackup() error = %v, want ErrBackupAlreadyExists", err)
	}
	if err := client.PutKeyBackup(ctx, []byte("blob3"), true); err != nil {
		t.Fatalf("overwrite PutKeyBackup() error = %v", err)
	}
	blob, err := client.GetKeyBackup(ctx)
	if err != nil || string(blob) != "blob3" {
		t.Errorf("GetKeyBackup() = %q, %v", blob, err)
	}
	if err := client.DeleteKeyBackup(ctx); err != nil {
		t.Errorf("DeleteKeyBackup() error = %v", err)
	}
}
