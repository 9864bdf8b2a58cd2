// Package testutil provides common test utilities and helpers for StudyPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/api"
	"github.com/BTreeMap/StudyPipe/internal/batch"
	"github.com/BTreeMap/StudyPipe/internal/device"
	"github.com/BTreeMap/StudyPipe/internal/onboarding"
	"github.com/BTreeMap/StudyPipe/internal/store"
)

// DefaultGroups is the onboarding configuration used by NewTestServer.
var DefaultGroups = []onboarding.SectionGroup{
	onboarding.GroupIntroVideo,
	onboarding.GroupScreening,
	onboarding.GroupConsent,
	onboarding.GroupIntegration,
}

// TestServer bundles an API server with its in-memory dependencies.
type TestServer struct {
	Server   *api.Server
	Provider *onboarding.Provider
	Tracker  *onboarding.Tracker
	Store    *store.InMemoryStore
	Uploader *FakeUploader
}

// NewTestServer creates a test API server with in-memory dependencies and
// the default onboarding configuration.
func NewTestServer() *TestServer {
	st := store.NewInMemoryStore()
	provider := onboarding.NewProvider()
	provider.Initialize(DefaultGroups)
	tracker := onboarding.NewTracker(st, provider)
	uploader := &FakeUploader{Interval: 15 * time.Minute}
	return &TestServer{
		Server:   api.NewServer(provider, tracker, uploader),
		Provider: provider,
		Tracker:  tracker,
		Store:    st,
		Uploader: uploader,
	}
}

// Do serves req and returns the recorded response.
func (ts *TestServer) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.Server.Handler().ServeHTTP(rr, req)
	return rr
}

// FakeUploader records what the API hands to the device uploader.
type FakeUploader struct {
	mu       sync.Mutex
	Records  []device.Data
	Interval time.Duration
	Err      error
}

func (f *FakeUploader) AddRecord(record device.Data) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.Interval > 0 {
		f.Records = append(f.Records, record)
	}
	return nil
}

func (f *FakeUploader) SetRecordInterval(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Interval = d
	return nil
}

func (f *FakeUploader) Status() batch.UploaderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return batch.UploaderStatus{
		Identifier:            device.UploaderIdentifier,
		Running:               f.Interval > 0,
		RecordIntervalSeconds: f.Interval.Seconds(),
		CurrentRecords:        len(f.Records),
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON envelope and validates its status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s' (message: %v)", expectedStatus, status, response["message"])
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
// A string body is sent verbatim.
func CreateHTTPRequest(t testing.TB, method, url string, body any) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
