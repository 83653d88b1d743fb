package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whatsthattune/clipworks/internal/clock"
	"github.com/whatsthattune/clipworks/internal/clock/system"
	"github.com/whatsthattune/clipworks/internal/hub"
	"github.com/whatsthattune/clipworks/internal/progress"
	"github.com/whatsthattune/clipworks/internal/retryq"
	"github.com/whatsthattune/clipworks/internal/store"
)

// ErrJobActive is returned when an owner already has a running job.
var ErrJobActive = errors.New("a clip job is already running for this owner")

// maxLineSize bounds a single stdout line; progress reports are small but
// the child occasionally dumps long tool output.
const maxLineSize = 256 * 1024

// Job describes one clip generation run.
type Job struct {
	// OwnerID scopes progress delivery and persisted rows.
	OwnerID string
	// PlaylistURL is the source playlist or video URL.
	PlaylistURL string
	// SongCount limits how many tracks the child processes; zero means all.
	SongCount int
	// ExtraArgs are appended verbatim to the child command line.
	ExtraArgs []string
}

// Validate rejects jobs that cannot be launched.
func (j Job) Validate() error {
	if j.OwnerID == "" {
		return errors.New("job requires an owner id")
	}
	if j.PlaylistURL == "" {
		return errors.New("job requires a playlist url")
	}
	if j.SongCount < 0 {
		return errors.New("song count must be >= 0")
	}
	return nil
}

// Config controls how the child process is launched.
type Config struct {
	// Command is the child invocation, e.g. ["python3", "create_clips.py"].
	Command []string
	// WorkDir is the child's working directory; empty inherits ours.
	WorkDir string
	// Env entries are appended to the inherited environment.
	Env []string
	// PersistTimeout bounds each persistence call made while streaming
	// (default 15s).
	PersistTimeout time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
}

const defaultPersistTimeout = 15 * time.Second

// Runner launches jobs and streams their progress. One job may run per
// owner at a time; a second submission is rejected until the first exits.
type Runner struct {
	cfg      Config
	hub      *hub.Hub
	queue    *retryq.Queue
	classify retryq.Classifier
	clk      clock.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner constructs a Runner. A nil classifier falls back to
// retryq.DefaultClassifier.
func NewRunner(cfg Config, h *hub.Hub, q *retryq.Queue, classify retryq.Classifier) (*Runner, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("driver requires a child command")
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if classify == nil {
		classify = retryq.DefaultClassifier
	}
	return &Runner{
		cfg:      cfg,
		hub:      h,
		queue:    q,
		classify: classify,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
		active:   make(map[string]context.CancelFunc),
	}, nil
}

// Start validates the job, claims the owner's slot and launches the child
// in the background. It returns a correlation id that tags every log line
// and queued operation produced by the run.
func (r *Runner) Start(ctx context.Context, job Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if _, busy := r.active[job.OwnerID]; busy {
		r.mu.Unlock()
		cancel()
		return "", ErrJobActive
	}
	r.active[job.OwnerID] = cancel
	r.mu.Unlock()

	correlationID := uuid.NewString()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.release(job.OwnerID)
		r.run(runCtx, job, correlationID)
	}()
	return correlationID, nil
}

// Cancel stops the owner's running job, if any.
func (r *Runner) Cancel(ownerID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[ownerID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether the owner has an active job.
func (r *Runner) Running(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[ownerID]
	return ok
}

// Close cancels all running jobs and waits for their goroutines.
func (r *Runner) Close() {
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) release(ownerID string) {
	r.mu.Lock()
	delete(r.active, ownerID)
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, job Job, correlationID string) {
	logger := r.logger.With(
		zap.String("owner_id", job.OwnerID),
		zap.String("correlation_id", correlationID),
	)
	logger.Info("clip job starting", zap.String("playlist_url", job.PlaylistURL))

	r.persist(ctx, store.UpdateStatus{
		URL:     job.PlaylistURL,
		OwnerID: job.OwnerID,
		State:   store.URLPending,
		At:      r.clk.Now(),
	}, job.OwnerID, correlationID, logger)

	args := append([]string(nil), r.cfg.Command[1:]...)
	args = append(args, job.PlaylistURL)
	if job.SongCount > 0 {
		args = append(args, fmt.Sprintf("--song-count=%d", job.SongCount))
	}
	args = append(args, job.ExtraArgs...)

	cmd := exec.CommandContext(ctx, r.cfg.Command[0], args...)
	cmd.Dir = r.cfg.WorkDir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.cfg.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.fail(ctx, job, correlationID, logger, fmt.Errorf("open stdout pipe: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.fail(ctx, job, correlationID, logger, fmt.Errorf("open stderr pipe: %w", err))
		return
	}
	if err := cmd.Start(); err != nil {
		r.fail(ctx, job, correlationID, logger, fmt.Errorf("start child: %w", err))
		return
	}

	var pipeWG sync.WaitGroup
	pipeWG.Add(1)
	go func() {
		defer pipeWG.Done()
		r.drainStderr(stderr, logger)
	}()

	res := r.streamStdout(ctx, stdout, job, correlationID, logger)
	pipeWG.Wait()
	waitErr := cmd.Wait()

	switch {
	case waitErr != nil:
		r.fail(ctx, job, correlationID, logger, fmt.Errorf("child exited: %w", waitErr))
		return
	case !res.sawCompletion:
		// Clean exit without a completion report still ends the job; the
		// synthesized event keeps clients from waiting forever.
		now := r.clk.Now()
		evt := progress.Event{
			Kind:    progress.KindCompletion,
			OwnerID: job.OwnerID,
			Total:   progress.TotalUnknown,
			TS:      now,
		}
		r.hub.Publish(job.OwnerID, evt)
		r.persist(ctx, store.UpdateStatus{
			URL:     job.PlaylistURL,
			OwnerID: job.OwnerID,
			State:   store.URLDone,
			At:      now,
		}, job.OwnerID, correlationID, logger)
		logger.Warn("child exited cleanly without a completion report")
	default:
		logger.Info("clip job finished")
	}

	r.persistQuiz(ctx, job, res.songs, correlationID, logger)
}

// runResult accumulates what one child run produced.
type runResult struct {
	songs         []store.Song
	sawCompletion bool
}

// streamStdout parses the child's stdout until EOF, collecting finished
// songs and noting whether a completion event was seen.
func (r *Runner) streamStdout(ctx context.Context, stdout io.Reader, job Job, correlationID string, logger *zap.Logger) *runResult {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	res := &runResult{}
	for scanner.Scan() {
		line := scanner.Text()
		evt, isProgress, err := ParseLine(line)
		if !isProgress {
			if line != "" {
				logger.Debug("child output", zap.String("line", line))
			}
			continue
		}
		if err != nil {
			logger.Warn("dropping malformed progress line", zap.Error(err))
			continue
		}
		evt.OwnerID = job.OwnerID
		r.handleEvent(ctx, job, evt, res, correlationID, logger)
		if evt.Kind == progress.KindCompletion {
			res.sawCompletion = true
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdout stream ended abnormally", zap.Error(err))
	}
	return res
}

func (r *Runner) handleEvent(ctx context.Context, job Job, evt progress.Event, res *runResult, correlationID string, logger *zap.Logger) {
	r.hub.Publish(job.OwnerID, evt)

	switch evt.Kind {
	case progress.KindSongComplete:
		song := store.Song{
			ID:              uuid.New(),
			OwnerID:         job.OwnerID,
			Title:           evt.Song.Title,
			Artist:          evt.Song.Artist,
			Album:           evt.Song.Album,
			ClipPath:        evt.Song.ClipPath,
			FullPath:        evt.Song.FullPath,
			DurationSeconds: evt.Song.DurationSeconds,
			ClipStart:       evt.Song.ClipStart,
			ClipEnd:         evt.Song.ClipEnd,
		}
		res.songs = append(res.songs, song)
		r.persist(ctx, store.InsertRecord{Record: song}, job.OwnerID, correlationID, logger)
	case progress.KindPlaylistExtracted:
		r.persist(ctx, store.UpdateStatus{
			URL:     job.PlaylistURL,
			OwnerID: job.OwnerID,
			State:   store.URLProcessing,
			Note:    fmt.Sprintf("playlist extracted, %d items", int64(evt.Total)),
			At:      r.clk.Now(),
		}, job.OwnerID, correlationID, logger)
	case progress.KindCompletion:
		r.persist(ctx, store.UpdateStatus{
			URL:     job.PlaylistURL,
			OwnerID: job.OwnerID,
			State:   store.URLDone,
			Note:    fmt.Sprintf("completed: %d succeeded, %d failed", evt.Succeeded, evt.Failed),
			At:      r.clk.Now(),
		}, job.OwnerID, correlationID, logger)
	case progress.KindError:
		r.hub.PublishError(job.OwnerID, evt.Note)
	}
}

// fail publishes an error frame to the owner and records the failed state.
func (r *Runner) fail(ctx context.Context, job Job, correlationID string, logger *zap.Logger, cause error) {
	logger.Error("clip job failed", zap.Error(cause))
	r.hub.PublishError(job.OwnerID, cause.Error())
	r.persist(ctx, store.UpdateStatus{
		URL:     job.PlaylistURL,
		OwnerID: job.OwnerID,
		State:   store.URLFailed,
		Note:    cause.Error(),
		At:      r.clk.Now(),
	}, job.OwnerID, correlationID, logger)
}

// persist applies an operation through the retry layer. Operations still
// failing with a retryable error after inline attempts are handed to the
// replay queue; permanent failures are logged and dropped here, never
// queued.
func (r *Runner) persist(ctx context.Context, op store.Operation, ownerID, correlationID string, logger *zap.Logger) {
	if err := op.Validate(); err != nil {
		logger.Error("refusing invalid operation", zap.String("operation", op.Describe()), zap.Error(err))
		return
	}
	// Persistence is detached from job cancellation so a cancelled run
	// still records its final state.
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()
	err := r.queue.Apply(applyCtx, op, ownerID)
	if err == nil {
		return
	}
	if r.classify(err) {
		r.queue.EnqueueFailed(op, ownerID, correlationID)
		return
	}
	logger.Error("operation failed permanently",
		zap.String("operation", op.Describe()),
		zap.Error(err),
	)
}

func (r *Runner) drainStderr(stderr io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Debug("child stderr", zap.String("line", line))
		}
	}
}
