// Package coordinator stages image files on the client and submits them to the
// ingestion endpoint, reporting progress and a single user-facing error.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// State of the staging area.
type State int

const (
	Idle State = iota
	Staging
	Uploading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Staging:
		return "staging"
	case Uploading:
		return "uploading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	MsgNoFiles      = "Please select at least one file to upload"
	MsgUploadFailed = "An error occurred during upload. Please try again."
)

var (
	ErrNoFiles          = errors.New("no files staged")
	ErrUploadInProgress = errors.New("upload already in progress")
	ErrIndexOutOfRange  = errors.New("index out of range")
)

// SubmitError pairs a failure with the message shown to the user.
type SubmitError struct {
	Message string
	Err     error
}

func (e *SubmitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *SubmitError) Unwrap() error { return e.Err }

// PendingFile is a file chosen by the user but not yet confirmed by the server.
type PendingFile struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

func (f PendingFile) open() (io.ReadCloser, error) {
	if f.Open == nil {
		return nil, fmt.Errorf("file %q has no content", f.Name)
	}
	return f.Open()
}

// FileFromPath stats path and returns a PendingFile that reads it lazily.
func FileFromPath(path string) (PendingFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return PendingFile{}, err
	}
	if info.IsDir() {
		return PendingFile{}, fmt.Errorf("%s is a directory", path)
	}
	return PendingFile{
		Name:        filepath.Base(path),
		ContentType: contentTypeFor(path),
		Size:        info.Size(),
		Open:        func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// DroppedFile is an in-memory file handed over by a drag-and-drop source.
type DroppedFile struct {
	Name        string
	ContentType string
	Data        []byte
}

func (d DroppedFile) pending() PendingFile {
	data := d.Data
	ct := d.ContentType
	if ct == "" {
		ct = contentTypeFor(d.Name)
	}
	return PendingFile{
		Name:        d.Name,
		ContentType: ct,
		Size:        int64(len(data)),
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func contentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".dcm", ".dicom":
		return "application/dicom"
	case "":
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
		return ct
	}
	return "application/octet-stream"
}

// Options configures a Coordinator.
type Options struct {
	Uploader Uploader
	Logger   *zap.Logger
}

// Coordinator owns the pending set and drives one submission at a time.
// Observers are invoked without the internal lock held.
type Coordinator struct {
	uploader Uploader
	logger   *zap.Logger

	mu         sync.Mutex
	files      []PendingFile
	state      State
	progress   int
	err        error
	meta       Metadata
	generation uint64

	onProgress []func(int)
	onState    []func(State)
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{uploader: opts.Uploader, logger: logger}
}

// OnProgress registers an observer for percentage changes.
func (c *Coordinator) OnProgress(fn func(int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = append(c.onProgress, fn)
}

// OnStateChange registers an observer for state transitions.
func (c *Coordinator) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// SetMetadata sets the identifiers sent with the next submission.
func (c *Coordinator) SetMetadata(patientID, studyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = Metadata{PatientID: patientID, StudyID: studyID}
}

// Add appends files in arrival order. Duplicates are kept.
func (c *Coordinator) Add(files ...PendingFile) error {
	c.mu.Lock()
	if c.state == Uploading {
		c.mu.Unlock()
		return ErrUploadInProgress
	}
	if len(files) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.files = append(c.files, files...)
	changed := c.setStateLocked(Staging)
	observers := c.onState
	c.mu.Unlock()

	if changed {
		notifyState(observers, Staging)
	}
	return nil
}

// AddPaths stages files picked from the local filesystem. Nothing is staged
// if any path cannot be read.
func (c *Coordinator) AddPaths(paths ...string) error {
	files := make([]PendingFile, 0, len(paths))
	for _, p := range paths {
		f, err := FileFromPath(p)
		if err != nil {
			return err
		}
		files = append(files, f)
	}
	return c.Add(files...)
}

// AddDropped stages files delivered by a drag-and-drop source.
func (c *Coordinator) AddDropped(dropped ...DroppedFile) error {
	files := make([]PendingFile, 0, len(dropped))
	for _, d := range dropped {
		files = append(files, d.pending())
	}
	return c.Add(files...)
}

// Remove drops exactly the i-th pending file.
func (c *Coordinator) Remove(i int) error {
	c.mu.Lock()
	if c.state == Uploading {
		c.mu.Unlock()
		return ErrUploadInProgress
	}
	if i < 0 || i >= len(c.files) {
		n := len(c.files)
		c.mu.Unlock()
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, n)
	}
	c.files = append(c.files[:i:i], c.files[i+1:]...)
	changed := false
	if len(c.files) == 0 {
		changed = c.setStateLocked(Idle)
	}
	observers := c.onState
	c.mu.Unlock()

	if changed {
		notifyState(observers, Idle)
	}
	return nil
}

// Pending returns a copy of the staged files.
func (c *Coordinator) Pending() []PendingFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingFile, len(c.files))
	copy(out, c.files)
	return out
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Progress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Err returns the last submission error, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ErrorMessage returns the user-facing text of the last error.
func (c *Coordinator) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var se *SubmitError
	if errors.As(c.err, &se) {
		return se.Message
	}
	return ""
}

func (c *Coordinator) CanSubmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Staging
}

func (c *Coordinator) CanRemove() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Uploading
}

// Submit uploads the pending files one request per file, in order. It returns
// the server's view of every stored file on success.
func (c *Coordinator) Submit(ctx context.Context) ([]UploadedFile, error) {
	c.mu.Lock()
	if c.state == Uploading {
		c.mu.Unlock()
		return nil, ErrUploadInProgress
	}
	if len(c.files) == 0 {
		c.err = &SubmitError{Message: MsgNoFiles, Err: ErrNoFiles}
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if c.uploader == nil {
		c.mu.Unlock()
		return nil, errors.New("coordinator has no uploader")
	}

	batch := make([]PendingFile, len(c.files))
	copy(batch, c.files)
	meta := c.meta
	c.generation++
	gen := c.generation
	c.err = nil
	c.progress = 0
	c.setStateLocked(Uploading)
	stateObservers := c.onState
	progressObservers := c.onProgress
	c.mu.Unlock()

	notifyState(stateObservers, Uploading)
	notifyProgress(progressObservers, 0)

	c.logger.Info("submitting files", zap.Int("files", len(batch)))

	uploaded, confirmed, err := c.run(ctx, gen, batch, meta)
	if err != nil {
		return uploaded, c.fail(gen, confirmed, err)
	}

	c.mu.Lock()
	c.progress = 100
	c.mu.Unlock()
	notifyProgress(progressObservers, 100)

	c.mu.Lock()
	c.files = nil
	c.progress = 0
	c.setStateLocked(Idle)
	c.mu.Unlock()
	notifyState(stateObservers, Idle)

	c.logger.Info("submission complete", zap.Int("files", len(uploaded)))
	return uploaded, nil
}

func (c *Coordinator) run(ctx context.Context, gen uint64, batch []PendingFile, meta Metadata) (uploaded []UploadedFile, confirmed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload panicked: %v", r)
		}
	}()

	var total int64
	for _, f := range batch {
		total += max(f.Size, 0)
	}

	var done int64
	for i, f := range batch {
		size := max(f.Size, 0)
		base := done
		res, err := c.uploader.Upload(ctx, f, meta, func(sent int64) {
			c.advance(gen, base+min(sent, size), total)
		})
		if err != nil {
			c.logger.Warn("file upload failed",
				zap.String("file", f.Name),
				zap.Int("index", i),
				zap.Error(err),
			)
			return uploaded, i, err
		}
		uploaded = append(uploaded, *res)
		done += size
		c.advance(gen, done, total)
	}
	return uploaded, len(batch), nil
}

// advance moves progress forward. It never reaches 100 before the whole batch
// is confirmed and ignores events from earlier submissions.
func (c *Coordinator) advance(gen uint64, sent, total int64) {
	if total <= 0 {
		return
	}
	pct := int(sent * 100 / total)
	pct = min(pct, 99)

	c.mu.Lock()
	if gen != c.generation || c.state != Uploading || pct <= c.progress {
		c.mu.Unlock()
		return
	}
	c.progress = pct
	observers := c.onProgress
	c.mu.Unlock()

	notifyProgress(observers, pct)
}

func (c *Coordinator) fail(gen uint64, confirmed int, cause error) error {
	msg := MsgUploadFailed
	var se *ServerError
	if errors.As(cause, &se) && se.Message != "" {
		msg = se.Message
	}
	err := &SubmitError{Message: msg, Err: cause}

	c.mu.Lock()
	if gen == c.generation {
		c.files = c.files[confirmed:]
	}
	c.err = err
	c.progress = 0
	c.setStateLocked(Staging)
	progressObservers := c.onProgress
	stateObservers := c.onState
	c.mu.Unlock()

	notifyProgress(progressObservers, 0)
	notifyState(stateObservers, Staging)
	return err
}

func (c *Coordinator) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func notifyState(observers []func(State), s State) {
	for _, fn := range observers {
		fn(s)
	}
}

func notifyProgress(observers []func(int), pct int) {
	for _, fn := range observers {
		fn(pct)
	}
}
