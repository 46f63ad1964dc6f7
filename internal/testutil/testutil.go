// Package testutil provides shared helpers for servibot tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/servibot/servibot/internal/api"
	"github.com/servibot/servibot/internal/guard"
	"github.com/servibot/servibot/internal/identity"
	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/stage"
	"github.com/servibot/servibot/internal/store"
)

// NewTestServer creates an admin API server over in-memory dependencies.
func NewTestServer() *api.Server {
	st := store.NewInMemoryStore(store.WithMergeFunc(stage.MergeStateWithStage))
	return api.NewServer(st, guard.New(), identity.NewNormalizer())
}

// NewTestStore creates an in-memory session store with the production merge
// function installed.
func NewTestStore() *store.InMemoryStore {
	return store.NewInMemoryStore(store.WithMergeFunc(stage.MergeStateWithStage))
}

// SeedSession creates a session and applies an initial state patch.
func SeedSession(t *testing.T, st store.Store, channel models.Channel, peer string, state map[string]any) *models.Session {
	t.Helper()
	sess, err := st.GetOrCreate(context.Background(), channel, peer, nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if len(state) == 0 {
		return sess
	}
	updated, err := st.SetState(context.Background(), sess.ID, state)
	if err != nil {
		t.Fatalf("failed to seed session state: %v", err)
	}
	return updated
}

// AssertHTTPStatus fails the test when the status code does not match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the recorded response and checks its envelope
// status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
