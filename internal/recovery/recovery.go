// Package recovery implements the Progressive Recovery Store (§4.G): a
// per-task on-disk record of segment completion enabling resume.
//
// The record is serialized as YAML (gopkg.in/yaml.v3, the serialization
// library jmylchreest-tvarr reaches for its own config/recovery-adjacent
// documents) rather than a binary or per-source-language format, giving a
// self-describing, forward-compatible document with a recovery_version
// field per §6. Retention pruning (§4.G "records older than 7 days are
// pruned at startup") additionally runs on a daily github.com/robfig/cron/v3
// schedule, matching the cron-driven background job idiom both
// jmylchreest-tvarr and sonroyaalmerol-m3u-stream-merger-proxy use for
// their own maintenance sweeps.
package recovery

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jandresen/hlsdl/internal/util"
)

const schemaVersion = 1
const retentionWindow = 7 * 24 * time.Hour
const flushInterval = 30 * time.Second

// SegmentState mirrors §3 Segment.state for the recovery record.
type SegmentState int

const (
	SegNone SegmentState = iota
	SegPartial
	SegComplete
	SegCorrupted
	SegInvalid
)

// SegmentRecoveryInfo is one entry of a RecoverySession's segment map (§6).
type SegmentRecoveryInfo struct {
	SegmentIndex      int          `yaml:"segment_index"`
	SegmentURL        string       `yaml:"segment_url"`
	ExpectedSize      int64        `yaml:"expected_size,omitempty"`
	DownloadedSize    int64        `yaml:"downloaded_size"`
	FilePath          string       `yaml:"file_path,omitempty"`
	Checksum          string       `yaml:"checksum,omitempty"`
	LastModified      time.Time    `yaml:"last_modified,omitempty"`
	DownloadStartTime time.Time    `yaml:"download_start_time,omitempty"`
	DownloadEndTime   time.Time    `yaml:"download_end_time,omitempty"`
	RetryCount        int          `yaml:"retry_count"`
	State             SegmentState `yaml:"state"`
}

// IsComplete reports whether this entry's recorded state is COMPLETE. It
// does not look at the file on disk; Load re-checks on-disk sizes.
func (s SegmentRecoveryInfo) IsComplete() bool {
	return s.State == SegComplete
}

// RecoverySession is the durable per-task record (§3, §6).
type RecoverySession struct {
	RecoveryVersion int                          `yaml:"recovery_version"`
	TaskID          string                       `yaml:"task_id"`
	TaskName        string                       `yaml:"task_name"`
	BaseURL         string                       `yaml:"base_url"`
	OutputFilePath  string                       `yaml:"output_file_path"`
	TotalSegments   int                          `yaml:"total_segments"`
	Segments        map[int]*SegmentRecoveryInfo `yaml:"segments"`
	CreatedAt       time.Time                    `yaml:"created_at"`
	LastUpdated     time.Time                    `yaml:"last_updated"`
}

// CompletionPercent computes §3's invariant: completed/total * 100.
func (rs *RecoverySession) CompletionPercent() float64 {
	if rs.TotalSegments == 0 {
		return 0
	}
	n := 0
	for _, s := range rs.Segments {
		if s.IsComplete() {
			n++
		}
	}
	return float64(n) / float64(rs.TotalSegments) * 100
}

// ResumeInfo is the summary §4.G's get_resume_info operation returns.
type ResumeInfo struct {
	TotalSegments    int
	CompletedCount   int
	ResumableIndices []int // segments not yet complete
	CompletedIndices []int
	TotalBytes       int64
	CompletedBytes   int64
}

type taskHandle struct {
	mu       sync.Mutex
	session  *RecoverySession
	dirty    bool
	lastSave time.Time
}

// Store manages one RecoverySession file per task under dir, with
// timestamped backups under dir/backups.
type Store struct {
	dir string

	mu    sync.Mutex
	tasks map[string]*taskHandle

	cron      *cron.Cron
	stopFlush chan struct{}
}

// New creates a Store rooted at dir, creating it if necessary, pruning
// records older than 7 days, and starting the background flush and
// retention cron.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "backups"), 0o750); err != nil {
		return nil, err
	}
	s := &Store{
		dir:       dir,
		tasks:     make(map[string]*taskHandle),
		cron:      cron.New(),
		stopFlush: make(chan struct{}),
	}
	s.pruneExpired()

	_, err := s.cron.AddFunc("@daily", s.pruneExpired)
	if err != nil {
		util.Warnf("recovery: failed to schedule retention job: %v", err)
	} else {
		s.cron.Start()
	}

	go s.flushLoop()
	return s, nil
}

// Close stops the background cron and flush loop and does a final sync.
func (s *Store) Close() {
	s.cron.Stop()
	close(s.stopFlush)
	s.mu.Lock()
	handles := make([]*taskHandle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		_ = s.save(h)
	}
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".yaml")
}

// Create starts a new RecoverySession for taskID.
func (s *Store) Create(taskID, taskName, baseURL, outputPath string, totalSegments int) *RecoverySession {
	session := &RecoverySession{
		RecoveryVersion: schemaVersion,
		TaskID:          taskID,
		TaskName:        taskName,
		BaseURL:         baseURL,
		OutputFilePath:  outputPath,
		TotalSegments:   totalSegments,
		Segments:        make(map[int]*SegmentRecoveryInfo, totalSegments),
		CreatedAt:       time.Now(),
		LastUpdated:     time.Now(),
	}
	s.mu.Lock()
	s.tasks[taskID] = &taskHandle{session: session}
	s.mu.Unlock()
	_ = s.Save(taskID)
	return session
}

// Load reads a previously persisted session, validating each segment's
// on-disk file against its recorded byte count and marking mismatches
// CORRUPTED before returning (§6 loader contract).
func (s *Store) Load(taskID string) (*RecoverySession, error) {
	data, err := os.ReadFile(s.path(taskID)) // #nosec G304 - taskID is engine-generated
	if err != nil {
		return nil, err
	}
	var session RecoverySession
	if err := yaml.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	for _, seg := range session.Segments {
		if seg.State != SegComplete {
			continue
		}
		if seg.FilePath == "" {
			continue
		}
		info, err := os.Stat(seg.FilePath)
		if err != nil || info.Size() != seg.DownloadedSize {
			seg.State = SegCorrupted
		}
	}

	s.mu.Lock()
	s.tasks[taskID] = &taskHandle{session: &session}
	s.mu.Unlock()
	return &session, nil
}

func (s *Store) handle(taskID string) *taskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID]
}

// UpdateSegment records progress for one segment (§4.G update operation).
func (s *Store) UpdateSegment(taskID string, index int, segURL string, bytes int64, filePath string, expectedSize int64) {
	h := s.handle(taskID)
	if h == nil {
		return
	}
	h.mu.Lock()
	seg, ok := h.session.Segments[index]
	if !ok {
		seg = &SegmentRecoveryInfo{SegmentIndex: index, DownloadStartTime: time.Now()}
		h.session.Segments[index] = seg
	}
	seg.SegmentURL = segURL
	seg.DownloadedSize = bytes
	if filePath != "" {
		seg.FilePath = filePath
	}
	if expectedSize > 0 {
		seg.ExpectedSize = expectedSize
	}
	seg.State = SegPartial
	seg.LastModified = time.Now()
	h.session.LastUpdated = time.Now()
	h.dirty = true
	h.mu.Unlock()
}

// MarkComplete finalizes a segment: computes its checksum and persists
// unconditionally (§4.G "unconditionally on mark_complete").
func (s *Store) MarkComplete(taskID string, index int, finalSize int64, path string) error {
	h := s.handle(taskID)
	if h == nil {
		return os.ErrNotExist
	}
	sum, err := checksumFile(path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	seg, ok := h.session.Segments[index]
	if !ok {
		seg = &SegmentRecoveryInfo{SegmentIndex: index}
		h.session.Segments[index] = seg
	}
	seg.DownloadedSize = finalSize
	seg.FilePath = path
	seg.Checksum = sum
	seg.State = SegComplete
	seg.DownloadEndTime = time.Now()
	seg.LastModified = time.Now()
	h.session.LastUpdated = time.Now()
	h.dirty = true
	h.mu.Unlock()

	return s.Save(taskID)
}

// MarkFailed increments a segment's retry_count and marks it INVALID.
func (s *Store) MarkFailed(taskID string, index int) {
	h := s.handle(taskID)
	if h == nil {
		return
	}
	h.mu.Lock()
	seg, ok := h.session.Segments[index]
	if !ok {
		seg = &SegmentRecoveryInfo{SegmentIndex: index}
		h.session.Segments[index] = seg
	}
	seg.RetryCount++
	seg.State = SegInvalid
	h.session.LastUpdated = time.Now()
	h.dirty = true
	h.mu.Unlock()
}

// CanResume reports whether any segment of taskID is complete.
func (s *Store) CanResume(taskID string) bool {
	h := s.handle(taskID)
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, seg := range h.session.Segments {
		if seg.IsComplete() {
			return true
		}
	}
	return false
}

// GetResumeInfo summarizes resumable state for taskID (§4.G).
func (s *Store) GetResumeInfo(taskID string) ResumeInfo {
	h := s.handle(taskID)
	if h == nil {
		return ResumeInfo{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	info := ResumeInfo{TotalSegments: h.session.TotalSegments}
	for i := 0; i < h.session.TotalSegments; i++ {
		seg, ok := h.session.Segments[i]
		if ok && seg.IsComplete() {
			info.CompletedCount++
			info.CompletedIndices = append(info.CompletedIndices, i)
			info.CompletedBytes += seg.DownloadedSize
			info.TotalBytes += seg.DownloadedSize
		} else {
			info.ResumableIndices = append(info.ResumableIndices, i)
			if ok {
				info.TotalBytes += seg.ExpectedSize
			}
		}
	}
	sort.Ints(info.ResumableIndices)
	sort.Ints(info.CompletedIndices)
	return info
}

// Complete performs a final save and releases the in-memory handle.
func (s *Store) Complete(taskID string) error {
	if err := s.Save(taskID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
	return nil
}

// Cleanup deletes taskID's record and its backups.
func (s *Store) Cleanup(taskID string) error {
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()

	if err := os.Remove(s.path(taskID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	matches, _ := filepath.Glob(filepath.Join(s.dir, "backups", taskID+"-*.yaml"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
	return nil
}

// ListAll returns every task id with a persisted record.
func (s *Store) ListAll() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".yaml")])
	}
	return ids, nil
}

// Save persists taskID's session to disk, backing up the previous copy.
// Saves are serialized per task (§5 "the recovery store uses a per-task
// lock serializing save operations").
func (s *Store) Save(taskID string) error {
	h := s.handle(taskID)
	if h == nil {
		return os.ErrNotExist
	}
	return s.save(h)
}

func (s *Store) save(h *taskHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := yaml.Marshal(h.session)
	if err != nil {
		return err
	}

	path := s.path(h.session.TaskID)
	if existing, err := os.ReadFile(path); err == nil { // #nosec G304
		backup := filepath.Join(s.dir, "backups", h.session.TaskID+"-"+time.Now().Format("20060102T150405")+".yaml")
		_ = os.WriteFile(backup, existing, 0o600)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil { // #nosec G306
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	h.dirty = false
	h.lastSave = time.Now()
	return nil
}

// flushLoop coalesces dirty sessions and persists them at least every
// 30s while a run is active (§4.G durability contract).
func (s *Store) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			handles := make([]*taskHandle, 0, len(s.tasks))
			for _, h := range s.tasks {
				handles = append(handles, h)
			}
			s.mu.Unlock()
			for _, h := range handles {
				h.mu.Lock()
				dirty := h.dirty
				h.mu.Unlock()
				if dirty {
					if err := s.save(h); err != nil {
						util.Warnf("recovery: periodic flush failed: %v", err)
					}
				}
			}
		case <-s.stopFlush:
			return
		}
	}
}

// pruneExpired deletes on-disk records whose last_updated is older than
// the 7-day retention window (§4.G retention, run at startup and daily).
func (s *Store) pruneExpired() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-retentionWindow)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			continue
		}
		var session RecoverySession
		if err := yaml.Unmarshal(data, &session); err != nil {
			continue
		}
		if session.LastUpdated.Before(cutoff) {
			_ = os.Remove(path)
			util.Debugf("recovery: pruned expired record %s", e.Name())
		}
	}
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
