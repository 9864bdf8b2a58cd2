package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadySetup is returned when Setup is called more than once.
var ErrAlreadySetup = errors.New("batch: uploader already set up")

// UploaderConfig tunes one uploader.
type UploaderConfig struct {
	// Identifier namespaces every persisted key of the uploader.
	Identifier string
	// DefaultRecordInterval is used until SetRecordInterval stores an override.
	// A non-positive effective interval means the uploader is not running.
	DefaultRecordInterval time.Duration
	// UploadInterval is the period between archive-and-upload cycles. Zero
	// disables batching: every record is archived and uploaded right away.
	UploadInterval time.Duration
	// UploadRetryInterval is the delay before retrying a failed upload.
	UploadRetryInterval time.Duration
	// BufferLimit caps the archived queue; the oldest buffers are dropped first.
	BufferLimit int
}

// Validate checks the configuration for values the uploader cannot work with.
func (c UploaderConfig) Validate() error {
	if c.Identifier == "" {
		return errors.New("uploader identifier is required")
	}
	if c.UploadInterval < 0 {
		return fmt.Errorf("upload interval must not be negative, got %s", c.UploadInterval)
	}
	if c.UploadRetryInterval <= 0 {
		return fmt.Errorf("upload retry interval must be positive, got %s", c.UploadRetryInterval)
	}
	if c.BufferLimit < 0 {
		return fmt.Errorf("buffer limit must not be negative, got %d", c.BufferLimit)
	}
	return nil
}

// Reachability reports network connectivity to the upload target.
type Reachability interface {
	IsReachable() bool
	// Subscribe delivers connectivity changes until ctx is cancelled.
	Subscribe(ctx context.Context) <-chan bool
}

type alwaysReachable struct{}

func (alwaysReachable) IsReachable() bool { return true }

func (alwaysReachable) Subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

// RecordFunc samples a new record. It returns false when no record is available.
// It is called with the uploader's lock held and must not call back into the uploader.
type RecordFunc[R any] func() (R, bool)

// UploadFunc sends one archived buffer to the backend.
type UploadFunc[R any] func(ctx context.Context, buf Buffer[R]) error

// UploaderStatus is a snapshot of an uploader's state.
type UploaderStatus struct {
	Identifier            string     `json:"identifier"`
	Running               bool       `json:"running"`
	RecordIntervalSeconds float64    `json:"record_interval_seconds"`
	ArchivedBuffers       int        `json:"archived_buffers"`
	CurrentRecords        int        `json:"current_records"`
	NextRecordAt          *time.Time `json:"next_record_at,omitempty"`
	NextUploadAt          *time.Time `json:"next_upload_at,omitempty"`
	NextUploadRetryAt     *time.Time `json:"next_upload_retry_at,omitempty"`
	LastUploadSuccessAt   *time.Time `json:"last_upload_success_at,omitempty"`
}

// Uploader samples records on a timer into a Storage, archives the current
// buffer on a second timer and drains the archived queue oldest-first through
// an UploadFunc, retrying failed uploads after a delay.
//
// The next fire time of every timer is persisted, so a restarted uploader
// resumes its schedule: expired timers fire during Setup.
type Uploader[R any] struct {
	cfg          UploaderConfig
	storage      *Storage[R]
	reachability Reachability
	now          func() time.Time

	mu        sync.Mutex // guards everything below and all storage access
	timers    *slotTimers
	record    RecordFunc[R]
	upload    UploadFunc[R]
	setupDone bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc

	uploadMu sync.Mutex // one drain loop at a time
	wg       sync.WaitGroup
}

// NewUploader creates an uploader. A nil reachability is treated as always reachable.
func NewUploader[R any](cfg UploaderConfig, storage *Storage[R], reachability Reachability) (*Uploader[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid uploader config: %w", err)
	}
	if reachability == nil {
		reachability = alwaysReachable{}
	}
	u := &Uploader[R]{
		cfg:          cfg,
		storage:      storage,
		reachability: reachability,
		now:          time.Now,
	}
	u.timers = newSlotTimers(&u.wg, func() time.Time { return u.now() })
	slog.Debug("Creating batch Uploader", "identifier", cfg.Identifier)
	return u, nil
}

// Identifier returns the uploader identifier.
func (u *Uploader[R]) Identifier() string {
	return u.cfg.Identifier
}

func (u *Uploader[R]) recordIntervalLocked() time.Duration {
	if d, ok := u.storage.RecordInterval(u.cfg.Identifier); ok {
		return d
	}
	return u.cfg.DefaultRecordInterval
}

func (u *Uploader[R]) runningLocked() bool {
	return u.recordIntervalLocked() > 0
}

// Setup installs the record and upload callbacks, restores the persisted
// timers and starts watching connectivity. It can be called once.
func (u *Uploader[R]) Setup(ctx context.Context, record RecordFunc[R], upload UploadFunc[R]) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.setupDone {
		return ErrAlreadySetup
	}
	if u.stopped {
		return errors.New("batch: uploader stopped")
	}
	u.setupDone = true
	u.record = record
	u.upload = upload
	u.ctx, u.cancel = context.WithCancel(ctx)

	u.setupRecordTimerLocked()
	u.setupUploadTimerLocked()
	u.setupUploadRetryTimerLocked()

	changes := u.reachability.Subscribe(u.ctx)
	u.wg.Add(1)
	go u.watchReachability(changes)

	slog.Info("Uploader.Setup: uploader started", "identifier", u.cfg.Identifier,
		"running", u.runningLocked(), "record_interval", u.recordIntervalLocked(), "upload_interval", u.cfg.UploadInterval)
	return nil
}

func (u *Uploader[R]) setupRecordTimerLocked() {
	if !u.runningLocked() {
		slog.Debug("Uploader.setupRecordTimer: not running, resetting record timer", "identifier", u.cfg.Identifier)
		u.resetTimerLocked(slotRecord, DateNextBufferRecord)
		return
	}
	next, ok := u.storage.Date(u.cfg.Identifier, DateNextBufferRecord)
	switch {
	case !ok:
		u.scheduleRecordLocked(u.recordIntervalLocked())
	case next.Before(u.now()):
		slog.Debug("Uploader.setupRecordTimer: record timer expired, adding record", "identifier", u.cfg.Identifier)
		u.addRecordFromSourceLocked()
		u.scheduleRecordLocked(u.recordIntervalLocked())
	default:
		u.scheduleRecordLocked(next.Sub(u.now()))
	}
}

func (u *Uploader[R]) setupUploadTimerLocked() {
	if !u.runningLocked() {
		slog.Debug("Uploader.setupUploadTimer: not running, resetting upload timer", "identifier", u.cfg.Identifier)
		u.resetTimerLocked(slotUpload, DateNextBufferUpload)
		return
	}
	if u.cfg.UploadInterval == 0 {
		return
	}
	next, ok := u.storage.Date(u.cfg.Identifier, DateNextBufferUpload)
	switch {
	case !ok:
		u.scheduleUploadLocked(u.cfg.UploadInterval)
	case next.Before(u.now()):
		slog.Debug("Uploader.setupUploadTimer: upload timer expired, archiving", "identifier", u.cfg.Identifier)
		u.archiveAndUploadLocked()
		u.scheduleUploadLocked(u.cfg.UploadInterval)
	default:
		u.scheduleUploadLocked(next.Sub(u.now()))
	}
}

func (u *Uploader[R]) setupUploadRetryTimerLocked() {
	if !u.runningLocked() {
		u.resetTimerLocked(slotUploadRetry, DateNextBufferUploadRetry)
		return
	}
	next, ok := u.storage.Date(u.cfg.Identifier, DateNextBufferUploadRetry)
	switch {
	case !ok:
	case next.Before(u.now()):
		slog.Debug("Uploader.setupUploadRetryTimer: retry expired, uploading", "identifier", u.cfg.Identifier)
		u.startUploadLocked()
	default:
		u.scheduleUploadRetryLocked(next.Sub(u.now()))
	}
}

func (u *Uploader[R]) watchReachability(changes <-chan bool) {
	defer u.wg.Done()
	for {
		select {
		case <-u.ctx.Done():
			return
		case reachable, ok := <-changes:
			if !ok {
				return
			}
			if !reachable {
				continue
			}
			u.mu.Lock()
			if _, retrying := u.storage.Date(u.cfg.Identifier, DateNextBufferUploadRetry); retrying && !u.stopped {
				slog.Info("Uploader.watchReachability: connection restored while retrying, uploading", "identifier", u.cfg.Identifier)
				u.startUploadLocked()
			}
			u.mu.Unlock()
		}
	}
}

// SetRecordInterval stores a new record interval. A running uploader
// reschedules its record timer; an uploader that stops running cancels its
// timers and drops every buffered record.
func (u *Uploader[R]) SetRecordInterval(d time.Duration) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if cur, ok := u.storage.RecordInterval(u.cfg.Identifier); ok && cur == d {
		slog.Debug("Uploader.SetRecordInterval: interval unchanged", "identifier", u.cfg.Identifier, "interval", d)
		return nil
	}
	if err := u.storage.SaveRecordInterval(u.cfg.Identifier, d); err != nil {
		slog.Error("Uploader.SetRecordInterval: failed to save interval", "identifier", u.cfg.Identifier, "error", err)
		return err
	}

	if u.runningLocked() {
		if u.setupDone && !u.stopped {
			slog.Info("Uploader.SetRecordInterval: rescheduling", "identifier", u.cfg.Identifier, "interval", d)
			u.scheduleRecordLocked(d)
			if u.cfg.UploadInterval > 0 && !u.timers.pending(slotUpload) {
				u.scheduleUploadLocked(u.cfg.UploadInterval)
			}
		}
		return nil
	}

	slog.Info("Uploader.SetRecordInterval: stopped running, resetting schedule and buffers", "identifier", u.cfg.Identifier)
	u.resetTimerLocked(slotRecord, DateNextBufferRecord)
	u.resetTimerLocked(slotUpload, DateNextBufferUpload)
	u.resetTimerLocked(slotUploadRetry, DateNextBufferUploadRetry)
	if err := u.storage.ResetAllBuffers(u.cfg.Identifier); err != nil {
		slog.Error("Uploader.SetRecordInterval: failed to reset buffers", "identifier", u.cfg.Identifier, "error", err)
		return err
	}
	return nil
}

// AddRecord appends record to the current buffer. It is ignored while the
// uploader is not running. Without an upload interval the buffer is archived
// and uploaded immediately.
func (u *Uploader[R]) AddRecord(record R) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.addRecordLocked(record)
}

func (u *Uploader[R]) addRecordLocked(record R) error {
	if !u.runningLocked() {
		slog.Debug("Uploader.AddRecord: not running, record ignored", "identifier", u.cfg.Identifier)
		return nil
	}
	if err := u.storage.AppendRecord(u.cfg.Identifier, record); err != nil {
		slog.Error("Uploader.AddRecord: failed to append record", "identifier", u.cfg.Identifier, "error", err)
		return err
	}
	if u.cfg.UploadInterval == 0 {
		u.archiveAndUploadLocked()
	}
	return nil
}

func (u *Uploader[R]) addRecordFromSourceLocked() {
	if u.record == nil {
		return
	}
	record, ok := u.record()
	if !ok {
		slog.Debug("Uploader: no record available", "identifier", u.cfg.Identifier)
		return
	}
	_ = u.addRecordLocked(record)
}

func (u *Uploader[R]) archiveAndUploadLocked() {
	if err := u.storage.ArchiveCurrentBuffer(u.cfg.Identifier, u.cfg.BufferLimit); err != nil {
		slog.Error("Uploader: failed to archive current buffer", "identifier", u.cfg.Identifier, "error", err)
	}
	u.startUploadLocked()
}

// startUploadLocked drains the archived queue on a new goroutine.
func (u *Uploader[R]) startUploadLocked() {
	if u.stopped || !u.setupDone {
		return
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.uploadBuffers()
	}()
}

// uploadBuffers uploads archived buffers oldest-first until the queue is
// empty or an upload fails. The lock is released while an upload is in flight.
func (u *Uploader[R]) uploadBuffers() {
	u.uploadMu.Lock()
	defer u.uploadMu.Unlock()

	for {
		u.mu.Lock()
		if u.stopped {
			u.mu.Unlock()
			return
		}
		u.resetTimerLocked(slotUploadRetry, DateNextBufferUploadRetry)
		if !u.runningLocked() {
			u.mu.Unlock()
			return
		}
		buf, ok := u.storage.OldestArchivedBuffer(u.cfg.Identifier)
		ctx, upload := u.ctx, u.upload
		u.mu.Unlock()

		if !ok {
			slog.Debug("Uploader.uploadBuffers: no archived buffers", "identifier", u.cfg.Identifier)
			return
		}
		if upload == nil {
			return
		}

		slog.Debug("Uploader.uploadBuffers: uploading oldest buffer", "identifier", u.cfg.Identifier, "buffer_id", buf.ID, "records", buf.Len())
		err := upload(ctx, buf)

		u.mu.Lock()
		if u.stopped {
			u.mu.Unlock()
			return
		}
		if err != nil {
			slog.Warn("Uploader.uploadBuffers: upload failed, scheduling retry", "identifier", u.cfg.Identifier,
				"buffer_id", buf.ID, "error", err, "retry_in", u.cfg.UploadRetryInterval)
			u.scheduleUploadRetryLocked(u.cfg.UploadRetryInterval)
			u.mu.Unlock()
			return
		}
		// The head may have been evicted while the upload was in flight.
		if head, ok := u.storage.OldestArchivedBuffer(u.cfg.Identifier); ok && head.ID == buf.ID {
			if err := u.storage.RemoveOldestArchivedBuffer(u.cfg.Identifier); err != nil {
				slog.Error("Uploader.uploadBuffers: failed to remove uploaded buffer", "identifier", u.cfg.Identifier, "error", err)
				u.mu.Unlock()
				return
			}
		}
		if err := u.storage.SaveDate(u.cfg.Identifier, DateLastUploadSuccess, u.now()); err != nil {
			slog.Warn("Uploader.uploadBuffers: failed to save last upload date", "identifier", u.cfg.Identifier, "error", err)
		}
		slog.Info("Uploader.uploadBuffers: buffer uploaded", "identifier", u.cfg.Identifier, "buffer_id", buf.ID, "records", buf.Len())
		u.mu.Unlock()
	}
}

func (u *Uploader[R]) scheduleRecordLocked(delay time.Duration) {
	at := u.timers.schedule(slotRecord, delay, u.onRecordTimer)
	u.saveDateLocked(DateNextBufferRecord, at)
}

func (u *Uploader[R]) scheduleUploadLocked(delay time.Duration) {
	at := u.timers.schedule(slotUpload, delay, u.onUploadTimer)
	u.saveDateLocked(DateNextBufferUpload, at)
}

func (u *Uploader[R]) scheduleUploadRetryLocked(delay time.Duration) {
	at := u.timers.schedule(slotUploadRetry, delay, u.onUploadRetryTimer)
	u.saveDateLocked(DateNextBufferUploadRetry, at)
}

func (u *Uploader[R]) resetTimerLocked(slot timerSlot, dateType DateType) {
	u.timers.cancel(slot)
	if err := u.storage.ResetDate(u.cfg.Identifier, dateType); err != nil {
		slog.Warn("Uploader: failed to reset date", "identifier", u.cfg.Identifier, "date_type", dateType, "error", err)
	}
}

func (u *Uploader[R]) saveDateLocked(dateType DateType, at time.Time) {
	if err := u.storage.SaveDate(u.cfg.Identifier, dateType, at); err != nil {
		slog.Warn("Uploader: failed to save date", "identifier", u.cfg.Identifier, "date_type", dateType, "error", err)
	}
}

func (u *Uploader[R]) onRecordTimer() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return
	}
	u.addRecordFromSourceLocked()
	if u.runningLocked() {
		u.scheduleRecordLocked(u.recordIntervalLocked())
	}
}

func (u *Uploader[R]) onUploadTimer() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return
	}
	u.archiveAndUploadLocked()
	if u.cfg.UploadInterval > 0 && u.runningLocked() {
		u.scheduleUploadLocked(u.cfg.UploadInterval)
	}
}

func (u *Uploader[R]) onUploadRetryTimer() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return
	}
	if !u.reachability.IsReachable() {
		// The retry date stays set; the reachability watcher uploads once connectivity returns.
		slog.Debug("Uploader.onUploadRetryTimer: unreachable, waiting for connectivity", "identifier", u.cfg.Identifier)
		return
	}
	u.startUploadLocked()
}

// Status returns a snapshot of the uploader.
func (u *Uploader[R]) Status() UploaderStatus {
	u.mu.Lock()
	defer u.mu.Unlock()

	date := func(dt DateType) *time.Time {
		if t, ok := u.storage.Date(u.cfg.Identifier, dt); ok {
			return &t
		}
		return nil
	}
	return UploaderStatus{
		Identifier:            u.cfg.Identifier,
		Running:               u.runningLocked(),
		RecordIntervalSeconds: u.recordIntervalLocked().Seconds(),
		ArchivedBuffers:       u.storage.ArchivedBufferCount(u.cfg.Identifier),
		CurrentRecords:        u.storage.CurrentBuffer(u.cfg.Identifier).Len(),
		NextRecordAt:          date(DateNextBufferRecord),
		NextUploadAt:          date(DateNextBufferUpload),
		NextUploadRetryAt:     date(DateNextBufferUploadRetry),
		LastUploadSuccessAt:   date(DateLastUploadSuccess),
	}
}

// Stop cancels the timers and the connectivity watcher, then waits for
// in-flight callbacks and uploads to return. Persisted dates are kept so a
// later Setup resumes the schedule.
func (u *Uploader[R]) Stop() {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stopped = true
	u.timers.stopAll()
	if u.cancel != nil {
		u.cancel()
	}
	u.mu.Unlock()

	u.wg.Wait()
	slog.Info("Uploader.Stop: uploader stopped", "identifier", u.cfg.Identifier)
}
