package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	sessionCount atomic.Int64
	pushCount    atomic.Int64
)

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	// Revocation status handed to every negotiation: VALID, SUSPENDED
	// or REVOKED. Lets the revocation gate be exercised locally.
	revocation := "VALID"
	if s := os.Getenv("REVOCATION_STATUS"); s != "" {
		revocation = s
	}

	// Session negotiation
	http.HandleFunc("/sync/sessions", func(w http.ResponseWriter, r *http.Request) {
		n := sessionCount.Add(1)
		sessionID := fmt.Sprintf("mock-session-%d", n)
		logRequest(r, 200)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":         sessionID,
			"revocation_status":  revocation,
			"pull_pending_count": 0,
		})
	})

	// Session completion, accepts any stats
	http.HandleFunc("/sync/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/complete") {
			http.NotFound(w, r)
			return
		}
		logRequest(r, 200)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
	})

	// Push delivery, behavior keyed by entity_id prefix:
	//   fail-*  -> 500
	//   slow-*  -> 200 after 3s
	//   bad-*   -> 422
	//   else    -> 200 success
	http.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		pushCount.Add(1)

		var req struct {
			EntityID string `json:"entity_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(req.EntityID, "fail-"):
			logRequest(r, 500)
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
		case strings.HasPrefix(req.EntityID, "slow-"):
			time.Sleep(3 * time.Second)
			logRequest(r, 200)
			json.NewEncoder(w).Encode(map[string]bool{"success": true})
		case strings.HasPrefix(req.EntityID, "bad-"):
			logRequest(r, 422)
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"error": "schema mismatch"})
		default:
			logRequest(r, 200)
			json.NewEncoder(w).Encode(map[string]bool{"success": true})
		}
	})

	// Stats endpoint, shows request counts
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"sessions": sessionCount.Load(),
			"pushes":   pushCount.Load(),
		})
	})

	log.Printf("Mock remote authority starting on :%s (revocation_status=%s)", port, revocation)
	log.Printf("  POST /sync/sessions               -> negotiate")
	log.Printf("  POST /sync/sessions/{id}/complete -> complete")
	log.Printf("  POST /sync/push                   -> deliver (fail-*/slow-*/bad-* entity ids misbehave)")
	log.Printf("  GET  /stats                       -> request counts")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func logRequest(r *http.Request, status int) {
	fmt.Printf("[sessions=%d pushes=%d] %s %s -> %d\n",
		sessionCount.Load(), pushCount.Load(), r.Method, r.URL.Path, status)
}
