// Local stand-in for the voice provider and the network gateway. Lets the
// worker run a full sequence end to end without real provider accounts.
// All responses are hardcoded; call.completed webhooks are fired back at
// the server after a short delay when VOICE_WEBHOOK_URL is set.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

func main() {
	log.Println("[StubGateway] hardcoded responses only; not for production")

	port := os.Getenv("STUB_GATEWAY_PORT")
	if port == "" {
		port = "9090"
	}
	webhookURL := os.Getenv("VOICE_WEBHOOK_URL")

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Voice provider surface.
	r.Post("/v1/calls", func(w http.ResponseWriter, req *http.Request) {
		var payload struct {
			PhoneNumber string `json:"phone_number"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.PhoneNumber == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "phone_number required"})
			return
		}
		callID := uuid.New().String()
		log.Printf("[StubGateway] call placed to %s (call_id=%s)", payload.PhoneNumber, callID)
		if webhookURL != "" {
			go completeCallLater(webhookURL, callID)
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "queued", "call_id": callID})
	})

	// Network gateway surface.
	r.Post("/actions", func(w http.ResponseWriter, req *http.Request) {
		var payload struct {
			Account    string `json:"account"`
			Action     string `json:"action"`
			ProfileURL string `json:"profile_url"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.ProfileURL == "" {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "profile_url required", "retry": false})
			return
		}
		log.Printf("[StubGateway] %s action for %s on %s", payload.Action, payload.Account, payload.ProfileURL)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":  true,
			"ref": fmt.Sprintf("stub-%s-%s", payload.Action, uuid.New().String()[:8]),
		})
	})

	addr := ":" + port
	log.Printf("[StubGateway] listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("stub gateway: %v", err)
	}
}

func completeCallLater(webhookURL, callID string) {
	time.Sleep(5 * time.Second)
	event := map[string]any{
		"provider": "stub",
		"event_id": uuid.New().String(),
		"type":     "call.completed",
		"call_id":  callID,
		"summary":  "stub call answered, 42s",
	}
	body, _ := json.Marshal(event)
	resp, err := http.Post(webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[StubGateway] webhook delivery failed: %v", err)
		return
	}
	resp.Body.Close()
	log.Printf("[StubGateway] delivered call.completed for %s (status %d)", callID, resp.StatusCode)
}
