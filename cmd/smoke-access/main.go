package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"custos.org/internal/auth"
)

// End-to-end smoke scenario against a running API: issue and activate a
// card, grant a door, present it, suspend it, present again, then verify
// the audit chain.
func main() {
	base := os.Getenv("CUSTOS_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}

	var token string
	if auth.SupportsTokens() {
		var err error
		token, err = auth.GenerateToken("smoke", auth.AllPermissions, 5*time.Minute)
		if err != nil {
			log.Fatalf("generate token: %v", err)
		}
	}
	c := &client{base: base, token: token, http: &http.Client{Timeout: 10 * time.Second}}

	var holder struct {
		ID string `json:"id"`
	}
	c.do("POST", "/v1/cardholders", map[string]any{
		"name":   "Smoke Tester",
		"groups": []string{"staff"},
	}, &holder, http.StatusCreated)

	now := time.Now().UTC()
	var card struct {
		ID string `json:"id"`
	}
	c.do("POST", "/v1/cards", map[string]any{
		"cardholder_id": holder.ID,
		"valid_from":    now.Add(-time.Minute),
		"valid_until":   now.Add(24 * time.Hour),
	}, &card, http.StatusCreated)

	c.do("POST", "/v1/cards/"+card.ID+"/activate", map[string]any{}, nil, http.StatusOK)

	door := fmt.Sprintf("smoke-door-%d", now.UnixNano())
	c.do("POST", "/v1/access-points", map[string]any{
		"id": door, "name": "Smoke door", "level": "low",
	}, nil, http.StatusCreated)

	c.do("POST", "/v1/permissions/grant", map[string]any{
		"card_id":         card.ID,
		"access_point_id": door,
		"windows":         []string{"00:00-24:00"},
	}, nil, http.StatusOK)

	var decision struct {
		Outcome string `json:"outcome"`
		Reason  string `json:"reason"`
	}
	c.do("POST", "/v1/access/events", map[string]any{
		"card_id": card.ID, "access_point_id": door,
	}, &decision, http.StatusOK)
	if decision.Outcome != "granted" {
		log.Fatalf("expected grant, got %s/%s", decision.Outcome, decision.Reason)
	}

	c.do("POST", "/v1/cards/"+card.ID+"/suspend", map[string]any{}, nil, http.StatusOK)

	c.do("POST", "/v1/access/events", map[string]any{
		"card_id": card.ID, "access_point_id": door,
	}, &decision, http.StatusOK)
	if decision.Outcome != "denied" || decision.Reason != "card_suspended" {
		log.Fatalf("expected denial for suspended card, got %s/%s", decision.Outcome, decision.Reason)
	}

	var verify struct {
		OK   bool   `json:"ok"`
		Head uint64 `json:"head"`
	}
	c.do("GET", "/v1/audit/verify", nil, &verify, http.StatusOK)
	if !verify.OK {
		log.Fatal("audit chain verification failed")
	}

	fmt.Printf("smoke test passed: card=%s door=%s audit_head=%d\n", card.ID, door, verify.Head)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, body any, out any, wantStatus int) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("%s %s: marshal: %v", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}
