// Manual smoke test for the cancel-vs-completion race against a running
// control plane. It enqueues a run, claims and starts it as a fake worker,
// cancels the session through the public API and then delivers a late
// completion callback, which the control plane must drop.
//
// Usage: go run main.go -api=http://localhost:8080 -token=<internal token>
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
)

var (
	apiBase = flag.String("api", "http://localhost:8080", "Control plane base URL")
	token   = flag.String("token", "", "Internal API token")
	userID  = flag.String("user", "smoke-user", "User ID for the public API")
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func main() {
	flag.Parse()

	fmt.Println("=== Cancel race smoke test ===")

	// 1. Enqueue an immediate run.
	fmt.Println("\n1. Enqueueing task...")
	var enqueued struct {
		Run     struct{ ID string } `json:"run"`
		Session struct{ ID string } `json:"session"`
	}
	call("POST", "/v1/tasks", map[string]any{"prompt": "count to one hundred slowly"}, false, &enqueued)
	fmt.Printf("   run=%s session=%s\n", enqueued.Run.ID, enqueued.Session.ID)

	// 2. Claim it as a fake worker.
	fmt.Println("\n2. Claiming run as worker smoke-worker...")
	var claimed struct {
		Runs []struct {
			RunID string `json:"run_id"`
		} `json:"runs"`
	}
	call("POST", "/internal/v1/runs/claim", map[string]any{
		"worker_id": "smoke-worker",
		"modes":     []string{"immediate"},
	}, true, &claimed)
	if len(claimed.Runs) == 0 {
		fail("no claimable runs; is another dispatcher draining the queue?")
	}
	runID := claimed.Runs[0].RunID
	fmt.Printf("   claimed %s\n", runID)

	// 3. Start it.
	fmt.Println("\n3. Starting run...")
	call("POST", "/internal/v1/runs/"+runID+"/start", map[string]any{"worker_id": "smoke-worker"}, true, nil)

	// 4. Cancel through the public API.
	fmt.Println("\n4. Cancelling session...")
	call("POST", "/v1/sessions/"+enqueued.Session.ID+"/cancel", map[string]any{"reason": "smoke test"}, false, nil)

	// 5. Deliver a late completion callback; the fence must drop it.
	fmt.Println("\n5. Delivering late completion callback...")
	call("POST", "/internal/v1/callbacks", map[string]any{
		"session_id": enqueued.Session.ID,
		"run_id":     runID,
		"status":     "completed",
	}, true, nil)

	// 6. The session must still be canceled.
	var session struct {
		Status string `json:"status"`
	}
	call("GET", "/v1/sessions/"+enqueued.Session.ID, nil, false, &session)
	fmt.Printf("\n6. Final session status: %s\n", session.Status)
	if session.Status != "canceled" {
		fail("expected canceled, got " + session.Status)
	}
	fmt.Println("\n=== OK: late completion was dropped ===")
}

func call(method, path string, body any, internal bool, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fail(err.Error())
		}
	}
	req, err := http.NewRequest(method, *apiBase+path, &buf)
	if err != nil {
		fail(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if internal {
		req.Header.Set("Authorization", "Bearer "+*token)
	} else {
		req.Header.Set("X-User-ID", *userID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail(err.Error())
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		fail(fmt.Sprintf("%s %s: bad response: %v", method, path, err))
	}
	if env.Code != 0 {
		fail(fmt.Sprintf("%s %s: code=%d message=%s", method, path, env.Code, env.Message))
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			fail(fmt.Sprintf("%s %s: bad data: %v", method, path, err))
		}
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "FAIL:", msg)
	os.Exit(1)
}
