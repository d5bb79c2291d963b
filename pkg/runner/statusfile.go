package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Status file tags. The per-job status.yaml is append-only: each processing
// step appends its tag, and a crashed run is resumed by replaying the file.
const (
	TagStarted        = "started"
	TagPreProcessing  = "pre_processing"
	TagProcessing     = "processing"
	TagPostProcessing = "post_processing"
	TagProcessed      = "processed"
	TagPublication    = "publication"

	// Terminal tags. exiting_cloudy and ice_success are successful
	// early-outs: the input had nothing to produce.
	TagExitingCompleted = "exiting_completed"
	TagExitingError     = "exiting_error"
	TagExitingCloudy    = "exiting_cloudy"
	TagIceSuccess       = "ice_success"
)

// StatusEntry is one appended line of a job's status file.
type StatusEntry struct {
	Tag string    `yaml:"tag"`
	At  time.Time `yaml:"at"`
}

// StatusFile is the append-only per-job progress record. Appends are
// atomic at the entry level; replay tolerates a truncated final entry.
type StatusFile struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// OpenStatusFile binds a status file in dir, creating the directory when
// needed. The file itself is created on first append.
func OpenStatusFile(dir string) (*StatusFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("status file dir: %w", err)
	}
	return &StatusFile{path: filepath.Join(dir, "status.yaml"), now: time.Now}, nil
}

// Path returns the file path; its mtime is the job's heartbeat.
func (f *StatusFile) Path() string { return f.path }

// Append records tag. Appending the tag already at the end of the file is
// a no-op, so resumed runs replay their current step safely.
func (f *StatusFile) Append(tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	if n := len(entries); n > 0 && entries[n-1].Tag == tag {
		return nil
	}

	doc, err := yaml.Marshal([]StatusEntry{{Tag: tag, At: f.now().UTC()}})
	if err != nil {
		return err
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("append status: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(doc); err != nil {
		return fmt.Errorf("append status: %w", err)
	}
	return fh.Sync()
}

// Replay returns the recorded tags in order. A missing file replays empty.
func (f *StatusFile) Replay() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return nil, err
	}
	tags := make([]string, len(entries))
	for i, e := range entries {
		tags[i] = e.Tag
	}
	return tags, nil
}

// Last returns the most recent tag, or "" for an empty file.
func (f *StatusFile) Last() (string, error) {
	tags, err := f.Replay()
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", nil
	}
	return tags[len(tags)-1], nil
}

func (f *StatusFile) read() ([]StatusEntry, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status file: %w", err)
	}
	var entries []StatusEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse status file: %w", err)
	}
	return entries, nil
}
