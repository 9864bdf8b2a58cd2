package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/device"
	"github.com/BTreeMap/StudyPipe/internal/onboarding"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "study.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write study file: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
	want := []onboarding.SectionGroup{
		onboarding.GroupIntroVideo, onboarding.GroupScreening, onboarding.GroupConsent, onboarding.GroupIntegration,
	}
	if got := cfg.SectionGroups(); !reflect.DeepEqual(got, want) {
		t.Errorf("SectionGroups() = %v, want %v", got, want)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
onboarding:
  section_groups: [consent, wearables, onboarding_questions]
device_data:
  record_interval: 90s
  upload_interval: 0
  buffer_limit: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []onboarding.SectionGroup{onboarding.GroupConsent, onboarding.GroupOnboardingQuestions}
	if got := cfg.SectionGroups(); !reflect.DeepEqual(got, want) {
		t.Errorf("SectionGroups() = %v, want %v", got, want)
	}

	uc := cfg.DeviceUploaderConfig()
	if uc.Identifier != device.UploaderIdentifier {
		t.Errorf("Identifier = %q", uc.Identifier)
	}
	if uc.DefaultRecordInterval != 90*time.Second {
		t.Errorf("DefaultRecordInterval = %v", uc.DefaultRecordInterval)
	}
	if uc.UploadInterval != 0 {
		t.Errorf("UploadInterval = %v, want 0", uc.UploadInterval)
	}
	if uc.UploadRetryInterval != 5*time.Minute {
		t.Errorf("UploadRetryInterval = %v, want default", uc.UploadRetryInterval)
	}
	if uc.BufferLimit != 5 {
		t.Errorf("BufferLimit = %d", uc.BufferLimit)
	}
	if err := uc.Validate(); err != nil {
		t.Errorf("uploader config invalid: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "onboarding: [", "parse"},
		{"bad duration", "device_data:\n  record_interval: soon\n", "invalid duration"},
		{"non scalar duration", "device_data:\n  record_interval: [1]\n", "scalar"},
		{"negative limit", "device_data:\n  buffer_limit: -1\n", "buffer_limit"},
		{"zero retry", "device_data:\n  upload_retry_interval: 0s\n", "upload_retry_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.yaml")
	cfg := Default()
	cfg.Onboarding.SectionGroups = []string{"opt_in"}
	cfg.DeviceData.RecordInterval = Duration(2 * time.Minute)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(loaded, cfg) {
		t.Errorf("loaded %+v, want %+v", loaded, cfg)
	}
}
