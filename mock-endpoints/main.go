package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Priya8975/event-webhooks/internal/engine"
)

var (
	requestCount  atomic.Int64
	rejectedSigs  atomic.Int64
	flakyAttempts sync.Map
)

// receiver is a local webhook target for exercising retry, rejection and
// throttling paths. With WEBHOOK_SECRET set, every request's signature is
// checked and a mismatch is answered with 401.
type receiver struct {
	secret    string
	failTimes int
}

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	rcv := &receiver{secret: os.Getenv("WEBHOOK_SECRET"), failTimes: 2}
	if n, err := strconv.Atoi(os.Getenv("FLAKY_FAILURES")); err == nil && n >= 0 {
		rcv.failTimes = n
	}

	// Successful endpoint, always returns 200
	http.HandleFunc("/webhook/success", rcv.handle(func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]string{"status": "received"}
	}))

	// Slow endpoint, delays 3 seconds before responding
	http.HandleFunc("/webhook/slow", rcv.handle(func(r *http.Request) (int, any) {
		time.Sleep(3 * time.Second)
		return http.StatusOK, map[string]string{"status": "received (slow)"}
	}))

	// Failing endpoint, always returns 500
	http.HandleFunc("/webhook/fail", rcv.handle(func(r *http.Request) (int, any) {
		return http.StatusInternalServerError, map[string]string{"error": "internal server error"}
	}))

	// Flaky endpoint, fails the first FLAKY_FAILURES attempts of each delivery
	http.HandleFunc("/webhook/flaky", rcv.handle(func(r *http.Request) (int, any) {
		id := r.Header.Get(engine.HeaderID)
		v, _ := flakyAttempts.LoadOrStore(id, new(atomic.Int64))
		if n := v.(*atomic.Int64).Add(1); n <= int64(rcv.failTimes) {
			return http.StatusServiceUnavailable, map[string]string{"error": fmt.Sprintf("flaky failure %d", n)}
		}
		return http.StatusOK, map[string]string{"status": "received after retries"}
	}))

	// Rejecting endpoint, returns 404 which is never retried
	http.HandleFunc("/webhook/reject", rcv.handle(func(r *http.Request) (int, any) {
		return http.StatusNotFound, map[string]string{"error": "no such hook"}
	}))

	// Throttled endpoint, returns 429 which is retried
	http.HandleFunc("/webhook/ratelimited", rcv.handle(func(r *http.Request) (int, any) {
		return http.StatusTooManyRequests, map[string]string{"error": "slow down"}
	}))

	// Stats endpoint, shows request counts
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"total_requests":      requestCount.Load(),
			"rejected_signatures": rejectedSigs.Load(),
		})
	})

	log.Printf("Mock endpoint server starting on :%s", port)
	log.Printf("  POST /webhook/success      -> 200 OK")
	log.Printf("  POST /webhook/slow         -> 200 OK (3s delay)")
	log.Printf("  POST /webhook/fail         -> 500 Error")
	log.Printf("  POST /webhook/flaky        -> 503 x%d, then 200", rcv.failTimes)
	log.Printf("  POST /webhook/reject       -> 404 Not Found")
	log.Printf("  POST /webhook/ratelimited  -> 429 Too Many Requests")
	log.Printf("  GET  /stats                -> request count")
	if rcv.secret != "" {
		log.Printf("  signatures verified with WEBHOOK_SECRET")
	}

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func (rc *receiver) handle(respond func(r *http.Request) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		status, payload := http.StatusUnauthorized, any(map[string]string{"error": "invalid signature"})
		if rc.secret == "" || engine.Verify(body, rc.secret, r.Header.Get(engine.HeaderSignature)) {
			status, payload = respond(r)
		} else {
			rejectedSigs.Add(1)
		}
		logRequest(r, count, status)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(payload)
	}
}

func logRequest(r *http.Request, count int64, status int) {
	fmt.Printf("[#%d] %s %s -> %d | sig=%s event=%s id=%s attempt=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		truncate(r.Header.Get(engine.HeaderSignature), 16),
		r.Header.Get(engine.HeaderEvent),
		truncate(r.Header.Get(engine.HeaderID), 8),
		r.Header.Get(engine.HeaderAttempt),
	)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
