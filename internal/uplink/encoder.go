package uplink

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/mediadevices"

	"github.com/wildcastradio/aircast/internal/conn"
	"github.com/wildcastradio/aircast/internal/metrics"
)

const (
	// MaxChunkBytes is the hard ceiling on a single uplink message. The
	// ingest server rejects anything larger, so oversized chunks are
	// dropped whole rather than split.
	MaxChunkBytes = 60000

	// DefaultSlice is how much audio each uplink chunk carries.
	DefaultSlice = 250 * time.Millisecond

	// fallbackFrameMs is assumed when the encoder does not report the
	// sample count of a frame. Opus defaults to 20 ms frames.
	fallbackFrameMs = 20
)

var ErrAlreadyRunning = errors.New("uplink: encoder already running")

// Source supplies the Opus frames to ship. *capture.Session implements it.
type Source interface {
	EncodedReader() (mediadevices.EncodedReadCloser, error)
}

// Socket is the slice of the connection manager the encoder needs.
type Socket interface {
	Send(payload []byte) bool
	IsConnected() bool
	Opens() (<-chan struct{}, func())
	Terminal() (<-chan *conn.TerminalError, func())
}

// Config wires an Encoder to its websocket and instrumentation.
type Config struct {
	Conn          Socket
	MaxChunkBytes int
	Slice         time.Duration
	Stats         *metrics.Set
	Log           *slog.Logger
}

// Encoder turns a capture session's Opus frames into bounded-size WebM
// chunks on the uplink socket. The first message after every socket open
// is the init segment; each later message is one cluster covering about
// one slice of audio. The encoder survives reconnects by reattaching to
// the new socket — the capture pipeline keeps running throughout.
type Encoder struct {
	conn     Socket
	maxBytes int
	slice    time.Duration
	stats    *metrics.Set
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	reader  encodedReader
	stop    chan struct{}
	initSeg []byte
	seq     uint64
}

func New(cfg Config) *Encoder {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = MaxChunkBytes
	}
	if cfg.Slice <= 0 {
		cfg.Slice = DefaultSlice
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Encoder{
		conn:     cfg.Conn,
		maxBytes: cfg.MaxChunkBytes,
		slice:    cfg.Slice,
		stats:    cfg.Stats,
		log:      cfg.Log.With("component", "uplink"),
	}
}

// Start begins streaming from the source. It opens a dedicated Opus
// reader; the source itself stays owned by the caller.
func (e *Encoder) Start(src Source) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	reader, err := src.EncodedReader()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.running = true
	e.reader = reader
	e.stop = make(chan struct{})
	e.initSeg = webmInitSegment()
	e.seq = 0
	stop := e.stop
	e.mu.Unlock()

	if e.conn.IsConnected() {
		e.sendInit()
	}
	go e.watchConn(stop)
	go e.run(reader, stop)

	e.log.Info("uplink started")
	return nil
}

// Attach swaps the audio source mid-broadcast. The stream timeline and
// socket are untouched; only the frame reader changes.
func (e *Encoder) Attach(src Source) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.New("uplink: encoder not running")
	}
	reader, err := src.EncodedReader()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	old := e.reader
	oldStop := e.stop
	e.reader = reader
	e.stop = make(chan struct{})
	stop := e.stop
	e.mu.Unlock()

	close(oldStop)
	old.Close()
	go e.watchConn(stop)
	go e.run(reader, stop)

	e.log.Info("uplink source switched")
	return nil
}

// Stop ends the stream and releases the encoder reader. Safe to call
// when not running.
func (e *Encoder) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	reader := e.reader
	e.reader = nil
	e.mu.Unlock()

	reader.Close()
	e.log.Info("uplink stopped")
}

func (e *Encoder) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// frameReader is the read half of an EncodedReadCloser.
type frameReader interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
}

type encodedReader interface {
	frameReader
	Close() error
}

// run reads Opus frames and ships one cluster per slice. Time is tracked
// from encoded sample counts, not the wall clock, so chunks stay aligned
// with the audio they carry.
func (e *Encoder) run(reader frameReader, stop chan struct{}) {
	var (
		blocks    bytes.Buffer
		clusterMs int64
		elapsedMs int64
		sliceMs   = e.slice.Milliseconds()
	)
	for {
		select {
		case <-stop:
			return
		default:
		}

		buf, release, err := reader.Read()
		if err != nil {
			select {
			case <-stop:
			default:
				e.log.Warn("uplink reader ended", "err", err)
			}
			if blocks.Len() > 0 {
				e.sendCluster(clusterMs, blocks.Bytes())
			}
			return
		}

		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		release()

		if blocks.Len() == 0 {
			clusterMs = elapsedMs
		}
		rel := elapsedMs - clusterMs
		blocks.Write(webmSimpleBlock(int16(rel), data))

		frameMs := int64(fallbackFrameMs)
		if buf.Samples > 0 {
			frameMs = int64(buf.Samples) * 1000 / opusSampleRate
		}
		elapsedMs += frameMs

		if elapsedMs-clusterMs >= sliceMs {
			e.sendCluster(clusterMs, blocks.Bytes())
			blocks.Reset()
		}
	}
}

// watchConn resends the init segment whenever the socket reopens and
// stops the encoder for good when the server rejects the stream.
func (e *Encoder) watchConn(stop chan struct{}) {
	opens, cancelOpens := e.conn.Opens()
	terminal, cancelTerminal := e.conn.Terminal()
	defer cancelOpens()
	defer cancelTerminal()

	for {
		select {
		case <-stop:
			return
		case <-opens:
			// Reattach: same capture pipeline, fresh socket. The server
			// needs the track header before any cluster makes sense.
			e.log.Info("uplink reattached after reconnect")
			e.sendInit()
		case terr := <-terminal:
			e.log.Error("uplink terminated by server", "code", terr.Code, "reason", terr.Reason)
			e.Stop()
			return
		}
	}
}

func (e *Encoder) sendInit() {
	e.mu.Lock()
	initSeg := e.initSeg
	e.mu.Unlock()
	if initSeg == nil {
		return
	}
	e.send(initSeg)
}

func (e *Encoder) sendCluster(clusterMs int64, blocks []byte) {
	e.send(webmCluster(clusterMs, blocks))
}

// send ships one chunk, enforcing the size ceiling. Oversized chunks are
// dropped whole; splitting would corrupt the cluster framing.
func (e *Encoder) send(payload []byte) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	if len(payload) > e.maxBytes {
		e.log.Warn("uplink chunk exceeds ceiling, dropped",
			"seq", seq, "bytes", len(payload), "max", e.maxBytes)
		if e.stats != nil {
			e.stats.ChunksDropped.Inc()
		}
		return
	}
	if !e.conn.Send(payload) {
		return
	}
	if e.stats != nil {
		e.stats.ChunksSent.Inc()
		e.stats.ChunkBytes.Add(float64(len(payload)))
	}
}
