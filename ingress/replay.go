package ingress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/FerroO2000/robocomm/internal/pool"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the replay ingress stage configuration.
const (
	DefaultReplayConfigPattern        = "*.jsonl"
	DefaultReplayConfigMaxLineSize    = 4 << 20
	DefaultReplayConfigCloseDebounce  = time.Second
	DefaultReplayConfigFanInQueueSize = 512
)

// DefaultReplayConfigWatchedDirs is the default list of directories to watch.
var DefaultReplayConfigWatchedDirs = []string{"."}

// ReplayConfig structs contains the configuration for the replay ingress stage.
type ReplayConfig struct {
	// WatchedDirs contains the list of directories to watch.
	WatchedDirs []string `yaml:"watched_dirs"`

	// Pattern selects the recordings by file name (see filepath.Match).
	Pattern string `yaml:"pattern"`

	// MaxLineSize is the maximum size of a record.
	MaxLineSize int `yaml:"max_line_size"`

	// CloseDebounce is the time a recording is kept open after its end
	// has been reached, waiting for new records.
	CloseDebounce time.Duration `yaml:"close_debounce"`

	// KeepIdentity states whether the replayed envelopes keep
	// the ID and the receive time of the record.
	KeepIdentity bool `yaml:"keep_identity"`

	// FanInQueueSize is the size of the queue that conveys the envelopes
	// built by the file readers to the hub.
	FanInQueueSize int `yaml:"fan_in_queue_size"`
}

// NewReplayConfig returns the default configuration of the replay stage.
func NewReplayConfig() *ReplayConfig {
	return &ReplayConfig{
		WatchedDirs:    slices.Clone(DefaultReplayConfigWatchedDirs),
		Pattern:        DefaultReplayConfigPattern,
		MaxLineSize:    DefaultReplayConfigMaxLineSize,
		CloseDebounce:  DefaultReplayConfigCloseDebounce,
		KeepIdentity:   true,
		FanInQueueSize: DefaultReplayConfigFanInQueueSize,
	}
}

// Validate checks the configuration.
func (c *ReplayConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "WatchedDirs", &c.WatchedDirs, slices.Clone(DefaultReplayConfigWatchedDirs))

	// A malformed pattern is reported as a missing one
	if _, err := filepath.Match(c.Pattern, ""); err != nil {
		c.Pattern = ""
	}
	config.CheckNotEmpty(ac, "Pattern", &c.Pattern, DefaultReplayConfigPattern)

	config.CheckNotNegative(ac, "MaxLineSize", &c.MaxLineSize, DefaultReplayConfigMaxLineSize)
	config.CheckNotZero(ac, "MaxLineSize", &c.MaxLineSize, DefaultReplayConfigMaxLineSize)

	config.CheckNotNegative(ac, "CloseDebounce", &c.CloseDebounce, DefaultReplayConfigCloseDebounce)
	config.CheckNotZero(ac, "CloseDebounce", &c.CloseDebounce, DefaultReplayConfigCloseDebounce)

	config.CheckNotNegative(ac, "FanInQueueSize", &c.FanInQueueSize, DefaultReplayConfigFanInQueueSize)
	config.CheckNotZero(ac, "FanInQueueSize", &c.FanInQueueSize, DefaultReplayConfigFanInQueueSize)
}

//////////////
//  RECORD  //
//////////////

// ErrInvalidRecord is returned when a line of a recording is not a valid record.
var ErrInvalidRecord = errors.New("replay: invalid record")

// EncodeRecord returns the record of the envelope, i.e. a single JSON line
// with the id, protocol, type, source, receive_time and
// payload (base64) fields, terminated by a new line.
func EncodeRecord(env *envelope.Envelope) ([]byte, error) {
	fields := []struct {
		path  string
		value any
	}{
		{"id", env.ID().String()},
		{"protocol", env.Protocol().String()},
		{"type", env.Type().String()},
		{"source", env.Source()},
		{"receive_time", env.ReceiveTime().Format(time.RFC3339Nano)},
		{"payload", base64.StdEncoding.EncodeToString(env.Payload())},
	}

	record := []byte(`{}`)
	for _, field := range fields {
		var err error
		if record, err = sjson.SetBytes(record, field.path, field.value); err != nil {
			return nil, err
		}
	}

	return append(record, '\n'), nil
}

// DecodeRecord parses a record into an envelope.
// When keepIdentity is set, the envelope keeps the ID
// and the receive time of the record.
func DecodeRecord(line []byte, keepIdentity bool) (*envelope.Envelope, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidRecord)
	}

	res := gjson.ParseBytes(line)

	protocol, err := envelope.ParseProtocol(res.Get("protocol").String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	msgType, err := envelope.ParseMsgType(res.Get("type").String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	payload, err := base64.StdEncoding.DecodeString(res.Get("payload").String())
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrInvalidRecord, err)
	}

	opts := []envelope.Option{envelope.WithSource(res.Get("source").String())}

	if keepIdentity {
		if id := res.Get("id"); id.Exists() {
			parsedID, err := uuid.Parse(id.String())
			if err != nil {
				return nil, fmt.Errorf("%w: id: %w", ErrInvalidRecord, err)
			}
			opts = append(opts, envelope.WithID(parsedID))
		}

		if recvTime := res.Get("receive_time"); recvTime.Exists() {
			parsedTime, err := time.Parse(time.RFC3339Nano, recvTime.String())
			if err != nil {
				return nil, fmt.Errorf("%w: receive_time: %w", ErrInvalidRecord, err)
			}
			opts = append(opts, envelope.WithReceiveTime(parsedTime))
		}
	}

	return envelope.New(protocol, msgType, payload, opts...), nil
}

//////////////
//  READER  //
//////////////

// replayReader tails a single recording.
// The file is closed once its end has been reached and no write
// happened for the debounce time; it is reopened at the last offset.
type replayReader struct {
	src *replaySource

	path string

	mux     sync.Mutex
	running bool
	offset  int64

	wakeCh chan struct{}
}

func newReplayReader(src *replaySource, path string) *replayReader {
	return &replayReader{
		src:  src,
		path: path,

		wakeCh: make(chan struct{}, 1),
	}
}

// start spawns the reader goroutine, or wakes it up if it is already running.
func (rr *replayReader) start(ctx context.Context) {
	rr.mux.Lock()
	defer rr.mux.Unlock()

	if rr.running {
		select {
		case rr.wakeCh <- struct{}{}:
		default:
		}
		return
	}

	rr.running = true
	rr.src.activeReaders.Add(1)

	rr.src.readersWg.Go(func() {
		rr.read(ctx)
	})
}

func (rr *replayReader) stop() {
	rr.mux.Lock()
	defer rr.mux.Unlock()

	if rr.running {
		rr.running = false
		rr.src.activeReaders.Add(-1)
	}
}

func (rr *replayReader) read(ctx context.Context) {
	file, err := os.Open(rr.path)
	if err != nil {
		rr.src.tel.LogError("failed to open recording", err, "path", rr.path)
		rr.stop()
		return
	}
	defer file.Close()

	if _, err := file.Seek(rr.offset, io.SeekStart); err != nil {
		rr.src.tel.LogError("failed to seek recording", err, "path", rr.path)
		rr.stop()
		return
	}

	rr.src.tel.LogInfo("replaying recording", "path", rr.path, "offset", rr.offset)

	reader := bufio.NewReader(file)
	line := []byte{}

	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)

		switch {
		case err == nil:
			rr.offset += int64(len(line))
			rr.src.handleLine(ctx, line, rr.path)
			line = line[:0]
			continue

		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) > rr.src.maxLineSize {
				rr.src.tel.LogWarn("record too large, skipping the recording", "path", rr.path)
				rr.stop()
				return
			}
			continue

		case !errors.Is(err, io.EOF):
			rr.src.tel.LogError("failed to read recording", err, "path", rr.path)
			rr.stop()
			return
		}

		// The end of the file has been reached, the partial line (if any)
		// is read again on the next wake up
		if _, err := file.Seek(rr.offset, io.SeekStart); err != nil {
			rr.src.tel.LogError("failed to seek recording", err, "path", rr.path)
			rr.stop()
			return
		}
		reader.Reset(file)
		line = line[:0]

		if rr.pause(ctx) {
			return
		}
	}
}

// pause waits for a write on the file.
// It returns true when the reader has been stopped.
func (rr *replayReader) pause(ctx context.Context) bool {
	timer := time.NewTimer(rr.src.closeDebounce)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		rr.stop()
		return true

	case <-rr.wakeCh:
		return false

	case <-timer.C:
	}

	rr.mux.Lock()
	defer rr.mux.Unlock()

	// A write may have happened while the timer fired
	select {
	case <-rr.wakeCh:
		return false
	default:
	}

	rr.running = false
	rr.src.activeReaders.Add(-1)

	return true
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*replaySource)(nil)

type replaySource struct {
	baseSource

	fanIn *pool.FanIn[*envelope.Envelope]

	watcher *fsnotify.Watcher

	watchedDirs   []string
	pattern       string
	maxLineSize   int
	closeDebounce time.Duration
	keepIdentity  bool

	readers   map[string]*replayReader
	readersWg *sync.WaitGroup

	closed    chan struct{}
	closeOnce sync.Once

	// Metrics
	activeReaders atomic.Int64
}

func newReplaySource() *replaySource {
	return &replaySource{
		readers:   make(map[string]*replayReader),
		readersWg: &sync.WaitGroup{},

		closed: make(chan struct{}),
	}
}

func (rs *replaySource) init(cfg *ReplayConfig) error {
	rs.fanIn = pool.NewFanIn[*envelope.Envelope](cfg.FanInQueueSize)

	rs.watchedDirs = cfg.WatchedDirs
	rs.pattern = cfg.Pattern
	rs.maxLineSize = cfg.MaxLineSize
	rs.closeDebounce = cfg.CloseDebounce
	rs.keepIdentity = cfg.KeepIdentity

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Add the directories to watch
	for _, dirPath := range cfg.WatchedDirs {
		if err := watcher.Add(dirPath); err != nil {
			watcher.Close()
			return err
		}
	}

	rs.watcher = watcher

	rs.initMetrics()

	return nil
}

func (rs *replaySource) initMetrics() {
	rs.initBaseMetrics()
	rs.tel.NewUpDownCounter("active_readers", func() int64 { return rs.activeReaders.Load() })
}

func (rs *replaySource) matches(path string) bool {
	ok, _ := filepath.Match(rs.pattern, filepath.Base(path))
	return ok
}

func (rs *replaySource) handleLine(ctx context.Context, line []byte, path string) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	_, span := rs.tel.NewTrace(ctx, "replay record")
	defer span.End()

	env, err := DecodeRecord(line, rs.keepIdentity)
	if err != nil {
		rs.rejectedEnvelopes.Add(1)
		rs.tel.LogWarn("discarding record", "reason", err.Error(), "path", path)
		return
	}

	span.SetAttributes(
		attribute.String("path", path),
		attribute.Int("payload_size", len(env.Payload())),
	)

	if err := rs.fanIn.AddTask(ctx, env); err != nil {
		rs.rejectedEnvelopes.Add(1)
		rs.tel.LogError("failed to write envelope into the fan in", err, "path", path)
	}
}

// readExistingFiles replays the recordings already present in the watched directories,
// since the watcher does not fire events for them.
func (rs *replaySource) readExistingFiles(ctx context.Context) {
	for _, dirPath := range rs.watchedDirs {
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			rs.tel.LogError("failed to read directory", err, "dir", dirPath)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}

			rs.startReader(ctx, filepath.Join(dirPath, entry.Name()))
		}
	}
}

func (rs *replaySource) startReader(ctx context.Context, path string) {
	if !rs.matches(path) {
		return
	}

	reader, ok := rs.readers[path]
	if !ok {
		reader = newReplayReader(rs, path)
		rs.readers[path] = reader
	}

	reader.start(ctx)
}

func (rs *replaySource) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := event.Name

	// A removed or renamed recording is forgotten,
	// a new file with the same name is replayed from the beginning
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		delete(rs.readers, path)
		return
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		rs.startReader(ctx, path)
	}
}

func (rs *replaySource) runBridge(ctx context.Context, sink Sink) {
	for {
		env, err := rs.fanIn.ReadTask(ctx)
		if err != nil {
			return
		}

		_ = rs.forward(ctx, sink, env)
	}
}

func (rs *replaySource) run(ctx context.Context, sink Sink) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		rs.runBridge(ctx, sink)
	}()

	// Before starting the watcher, replay the existing recordings
	rs.readExistingFiles(ctx)

	rs.watch(ctx)

	cancel()
	rs.readersWg.Wait()
	rs.fanIn.Close()

	<-bridgeDone
}

func (rs *replaySource) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-rs.closed:
			return

		case event, ok := <-rs.watcher.Events:
			if !ok {
				return
			}

			rs.handleEvent(ctx, event)

		case err, ok := <-rs.watcher.Errors:
			if !ok {
				return
			}

			rs.tel.LogError("watcher error", err)
		}
	}
}

func (rs *replaySource) close() {
	rs.closeOnce.Do(func() {
		close(rs.closed)

		if rs.watcher != nil {
			rs.watcher.Close()
		}
	})
}

/////////////
//  STAGE  //
/////////////

// ReplayStage is an ingress stage that re-injects recorded envelopes.
// It tails the recordings (JSON lines, see EncodeRecord) found in
// a list of directories, including the ones created while running.
type ReplayStage struct {
	*stage[*ReplayConfig]

	source *replaySource
}

// NewReplayStage returns a new replay stage.
func NewReplayStage(sink Sink, cfg *ReplayConfig) *ReplayStage {
	source := newReplaySource()

	return &ReplayStage{
		stage: newStage("replay", source, sink, cfg),

		source: source,
	}
}

// Init validates the configuration and starts watching the directories.
func (rs *ReplayStage) Init(ctx context.Context) error {
	if err := rs.stage.Init(ctx); err != nil {
		return err
	}

	return rs.source.init(rs.cfg)
}

// Close stops watching the directories.
func (rs *ReplayStage) Close() {
	rs.source.close()
	rs.stage.Close()
}
