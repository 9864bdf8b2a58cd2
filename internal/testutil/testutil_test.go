package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/StudyPipe/internal/device"
)

// mockTB captures failures instead of failing the enclosing test.
type mockTB struct {
	testing.TB
	failed bool
}

func (m *mockTB) Helper()               {}
func (m *mockTB) Errorf(string, ...any) { m.failed = true }
func (m *mockTB) Error(...any)          { m.failed = true }
func (m *mockTB) Fatalf(string, ...any) { m.failed = true }

func TestNewTestServer(t *testing.T) {
	ts := NewTestServer()
	if ts.Server == nil || ts.Provider == nil || ts.Tracker == nil {
		t.Fatal("NewTestServer returned incomplete server")
	}
	if first, ok := ts.Provider.First(); !ok || first != "intro_video" {
		t.Errorf("expected default configuration, First() = (%q, %v)", first, ok)
	}
	rr := ts.Do(CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockTB{}
			AssertHTTPStatus(m, tt.expected, tt.actual, "test context")
			if m.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v", m.failed, tt.shouldFail)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		expected   string
		shouldFail bool
	}{
		{"matching status", `{"status":"ok"}`, "ok", false},
		{"wrong status", `{"status":"error","message":"x"}`, "ok", true},
		{"missing status", `{"result":1}`, "ok", true},
		{"not json", `nope`, "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.body)
			m := &mockTB{}
			AssertJSONResponse(m, rr, tt.expected)
			if m.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v", m.failed, tt.shouldFail)
			}
		})
	}
}

func TestFakeUploaderIgnoresRecordsWhenStopped(t *testing.T) {
	f := &FakeUploader{}
	_ = f.AddRecord(device.Data{BatteryLevel: 0.5})
	if f.Status().CurrentRecords != 0 || f.Status().Running {
		t.Errorf("stopped uploader accepted a record: %+v", f.Status())
	}
}
