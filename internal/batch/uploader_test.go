package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeReachability struct {
	reachable atomic.Bool
	changes   chan bool
}

func newFakeReachability(reachable bool) *fakeReachability {
	f := &fakeReachability{changes: make(chan bool, 1)}
	f.reachable.Store(reachable)
	return f
}

func (f *fakeReachability) IsReachable() bool { return f.reachable.Load() }

func (f *fakeReachability) Subscribe(context.Context) <-chan bool { return f.changes }

func (f *fakeReachability) set(reachable bool) {
	f.reachable.Store(reachable)
	f.changes <- reachable
}

type uploadRecorder struct {
	mu      sync.Mutex
	fail    bool
	calls   int
	buffers []Buffer[int]
}

func (r *uploadRecorder) upload(_ context.Context, buf Buffer[int]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return errors.New("backend unavailable")
	}
	r.buffers = append(r.buffers, buf)
	return nil
}

func (r *uploadRecorder) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *uploadRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *uploadRecorder) records() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.buffers {
		out = append(out, b.Records...)
	}
	return out
}

func noRecord() (int, bool) { return 0, false }

func newTestUploader(t *testing.T, cfg UploaderConfig, reach Reachability) (*Uploader[int], *Storage[int]) {
	t.Helper()
	if cfg.Identifier == "" {
		cfg.Identifier = testID
	}
	if cfg.UploadRetryInterval == 0 {
		cfg.UploadRetryInterval = time.Hour
	}
	if cfg.BufferLimit == 0 {
		cfg.BufferLimit = 10
	}
	s := NewStorage[int](store.NewInMemoryStore())
	u, err := NewUploader(cfg, s, reach)
	require.NoError(t, err)
	t.Cleanup(u.Stop)
	return u, s
}

func TestUploaderConfigValidate(t *testing.T) {
	valid := UploaderConfig{Identifier: "x", UploadRetryInterval: time.Second, BufferLimit: 1}
	tests := []struct {
		name    string
		mutate  func(*UploaderConfig)
		wantErr bool
	}{
		{"valid", func(*UploaderConfig) {}, false},
		{"missing identifier", func(c *UploaderConfig) { c.Identifier = "" }, true},
		{"negative upload interval", func(c *UploaderConfig) { c.UploadInterval = -time.Second }, true},
		{"zero retry interval", func(c *UploaderConfig) { c.UploadRetryInterval = 0 }, true},
		{"negative buffer limit", func(c *UploaderConfig) { c.BufferLimit = -1 }, true},
		{"zero buffer limit", func(c *UploaderConfig) { c.BufferLimit = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUploaderSetupOnlyOnce(t *testing.T) {
	u, _ := newTestUploader(t, UploaderConfig{DefaultRecordInterval: time.Hour, UploadInterval: time.Hour}, nil)
	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))
	assert.ErrorIs(t, u.Setup(context.Background(), noRecord, rec.upload), ErrAlreadySetup)
}

func TestUploaderIgnoresRecordsWhenNotRunning(t *testing.T) {
	u, s := newTestUploader(t, UploaderConfig{UploadInterval: time.Hour}, nil)
	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))

	require.NoError(t, u.AddRecord(1))
	assert.Equal(t, 0, s.CurrentBuffer(testID).Len())

	st := u.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.NextRecordAt)
	assert.Nil(t, st.NextUploadAt)
}

func TestUploaderWithoutUploadIntervalUploadsEveryRecord(t *testing.T) {
	u, s := newTestUploader(t, UploaderConfig{DefaultRecordInterval: time.Hour}, nil)
	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))

	require.NoError(t, u.AddRecord(1))
	require.NoError(t, u.AddRecord(2))

	assert.Eventually(t, func() bool {
		return len(rec.records()) == 2 && s.ArchivedBufferCount(testID) == 0
	}, waitFor, tick)
	assert.ElementsMatch(t, []int{1, 2}, rec.records())

	st := u.Status()
	assert.NotNil(t, st.LastUploadSuccessAt)
	assert.Nil(t, st.NextUploadAt)
}

func TestUploaderBatchesOnUploadTimer(t *testing.T) {
	var n atomic.Int64
	sample := func() (int, bool) { return int(n.Add(1)), true }

	u, s := newTestUploader(t, UploaderConfig{
		DefaultRecordInterval: 5 * time.Millisecond,
		UploadInterval:        40 * time.Millisecond,
	}, nil)
	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), sample, rec.upload))

	assert.Eventually(t, func() bool { return len(rec.records()) >= 3 }, waitFor, tick)
	u.Stop()

	got := rec.records()
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+1, got[i], "records arrive in sampling order")
	}
	rec.mu.Lock()
	for _, b := range rec.buffers {
		assert.NotEmpty(t, b.ID)
	}
	rec.mu.Unlock()
	assert.LessOrEqual(t, s.ArchivedBufferCount(testID), 10)
}

func TestUploaderRetriesFailedUpload(t *testing.T) {
	u, s := newTestUploader(t, UploaderConfig{
		DefaultRecordInterval: time.Hour,
		UploadRetryInterval:   20 * time.Millisecond,
	}, nil)
	rec := &uploadRecorder{fail: true}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))

	require.NoError(t, u.AddRecord(7))
	assert.Eventually(t, func() bool {
		return rec.callCount() >= 1 && u.Status().NextUploadRetryAt != nil
	}, waitFor, tick)
	assert.Equal(t, 1, s.ArchivedBufferCount(testID), "failed buffer stays archived")

	rec.setFail(false)
	assert.Eventually(t, func() bool { return s.ArchivedBufferCount(testID) == 0 }, waitFor, tick)
	assert.Equal(t, []int{7}, rec.records())

	st := u.Status()
	assert.Nil(t, st.NextUploadRetryAt)
	assert.NotNil(t, st.LastUploadSuccessAt)
}

func TestUploaderWaitsForConnectivityBeforeRetrying(t *testing.T) {
	reach := newFakeReachability(false)
	u, s := newTestUploader(t, UploaderConfig{
		DefaultRecordInterval: time.Hour,
		UploadRetryInterval:   10 * time.Millisecond,
	}, reach)
	rec := &uploadRecorder{fail: true}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))

	require.NoError(t, u.AddRecord(3))
	assert.Eventually(t, func() bool { return rec.callCount() == 1 }, waitFor, tick)
	rec.setFail(false)

	// The retry timer fires while offline and does not upload.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.callCount())
	assert.NotNil(t, u.Status().NextUploadRetryAt)

	reach.set(true)
	assert.Eventually(t, func() bool { return s.ArchivedBufferCount(testID) == 0 }, waitFor, tick)
	assert.Equal(t, []int{3}, rec.records())
}

func TestUploaderSetRecordInterval(t *testing.T) {
	u, s := newTestUploader(t, UploaderConfig{
		DefaultRecordInterval: time.Hour,
		UploadInterval:        time.Hour,
	}, nil)
	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))

	require.NoError(t, u.AddRecord(1))
	require.NoError(t, s.ArchiveCurrentBuffer(testID, 10))
	require.NoError(t, u.AddRecord(2))

	require.NoError(t, u.SetRecordInterval(0))
	st := u.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.CurrentRecords)
	assert.Equal(t, 0, st.ArchivedBuffers)
	assert.Nil(t, st.NextRecordAt)
	assert.Nil(t, st.NextUploadAt)

	require.NoError(t, u.AddRecord(3))
	assert.Equal(t, 0, s.CurrentBuffer(testID).Len())

	require.NoError(t, u.SetRecordInterval(0), "unchanged interval is a no-op")

	require.NoError(t, u.SetRecordInterval(30*time.Minute))
	st = u.Status()
	assert.True(t, st.Running)
	assert.Equal(t, (30 * time.Minute).Seconds(), st.RecordIntervalSeconds)
	require.NotNil(t, st.NextRecordAt)
	assert.NotNil(t, st.NextUploadAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *st.NextRecordAt, time.Minute)
}

func TestUploaderRestoresExpiredTimersOnSetup(t *testing.T) {
	u, s := newTestUploader(t, UploaderConfig{
		DefaultRecordInterval: time.Hour,
		UploadInterval:        time.Hour,
	}, nil)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, s.SaveDate(testID, DateNextBufferRecord, past))
	require.NoError(t, s.SaveDate(testID, DateNextBufferUpload, past))
	require.NoError(t, s.AppendRecord(testID, 40))

	sampled := false
	sample := func() (int, bool) {
		sampled = true
		return 41, true
	}
	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), sample, rec.upload))
	assert.True(t, sampled, "expired record timer samples during Setup")

	assert.Eventually(t, func() bool { return len(rec.records()) == 2 }, waitFor, tick)
	assert.Equal(t, []int{40, 41}, rec.records())

	st := u.Status()
	require.NotNil(t, st.NextRecordAt)
	require.NotNil(t, st.NextUploadAt)
	assert.True(t, st.NextRecordAt.After(time.Now()))
	assert.True(t, st.NextUploadAt.After(time.Now()))
}

func TestUploaderRestoresPendingTimersOnSetup(t *testing.T) {
	u, s := newTestUploader(t, UploaderConfig{
		DefaultRecordInterval: time.Hour,
		UploadInterval:        time.Hour,
	}, nil)
	future := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	require.NoError(t, s.SaveDate(testID, DateNextBufferUpload, future))
	require.NoError(t, s.SaveDate(testID, DateNextBufferUploadRetry, future))

	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))

	st := u.Status()
	require.NotNil(t, st.NextUploadAt)
	require.NotNil(t, st.NextUploadRetryAt)
	assert.WithinDuration(t, future, *st.NextUploadAt, time.Second)
	assert.WithinDuration(t, future, *st.NextUploadRetryAt, time.Second)
	assert.Equal(t, 0, rec.callCount())
}

func TestUploaderExpiredRetryUploadsOnSetup(t *testing.T) {
	u, s := newTestUploader(t, UploaderConfig{
		DefaultRecordInterval: time.Hour,
		UploadInterval:        time.Hour,
	}, nil)
	require.NoError(t, s.AppendRecord(testID, 5))
	require.NoError(t, s.ArchiveCurrentBuffer(testID, 10))
	require.NoError(t, s.SaveDate(testID, DateNextBufferUploadRetry, time.Now().Add(-time.Second)))

	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))

	assert.Eventually(t, func() bool { return s.ArchivedBufferCount(testID) == 0 }, waitFor, tick)
	assert.Equal(t, []int{5}, rec.records())
}

func TestUploaderStopKeepsPersistedSchedule(t *testing.T) {
	u, s := newTestUploader(t, UploaderConfig{
		DefaultRecordInterval: time.Hour,
		UploadInterval:        time.Hour,
	}, nil)
	rec := &uploadRecorder{}
	require.NoError(t, u.Setup(context.Background(), noRecord, rec.upload))
	u.Stop()
	u.Stop()

	_, ok := s.Date(testID, DateNextBufferRecord)
	assert.True(t, ok)
	_, ok = s.Date(testID, DateNextBufferUpload)
	assert.True(t, ok)
}
