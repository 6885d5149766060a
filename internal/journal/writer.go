package journal

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

var (
	ErrClosed     = errors.New("journal writer closed")
	ErrNotStarted = errors.New("journal writer not started")
)

// Config controls the journal writer.
type Config struct {
	Path          string
	QueueSize     int
	BufferSize    int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256 * 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("journal path required")
	}
	return nil
}

// Writer appends events to one journal file from a buffered queue.
// Record never drops: when the queue is full it blocks, because a gap in
// the journal makes replay verification worthless.
type Writer struct {
	cfg Config
	ch  chan schema.Event
	wg  sync.WaitGroup
	err atomic.Value

	started uint32
	closed  uint32
}

// NewWriter creates a journal writer for the given path, truncating any
// previous journal there.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{cfg: cfg, ch: make(chan schema.Event, cfg.QueueSize)}, nil
}

// Start opens the file and runs the writer loop in a new goroutine.
func (w *Writer) Start() error {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return errors.New("journal writer already started")
	}
	file, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(file)
	}()
	return nil
}

// Close stops the writer, flushes and syncs the file.
func (w *Writer) Close() error {
	if atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		close(w.ch)
	}
	w.wg.Wait()
	return w.Err()
}

// Err returns the first write error observed, if any.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Record enqueues one event, blocking until there is room. Implements
// the engine's event sink.
func (w *Writer) Record(ev schema.Event) error {
	if atomic.LoadUint32(&w.closed) != 0 {
		return ErrClosed
	}
	if atomic.LoadUint32(&w.started) == 0 {
		return ErrNotStarted
	}
	if err := w.Err(); err != nil {
		return err
	}
	w.ch <- ev
	return nil
}

func (w *Writer) run(file *os.File) {
	var (
		buf         = bufio.NewWriterSize(file, w.cfg.BufferSize)
		headerBuf   = make([]byte, recordHeaderSize)
		checksumBuf [recordChecksumSize]byte
		seq         uint64
	)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		if err := buf.Flush(); err != nil {
			w.setErr(err)
		}
		if err := file.Sync(); err != nil {
			w.setErr(err)
		}
		if err := file.Close(); err != nil {
			w.setErr(err)
		}
	}()

	for {
		select {
		case ev, ok := <-w.ch:
			if !ok {
				return
			}
			seq++
			if err := writeRecord(buf, headerBuf, &checksumBuf, seq, ev); err != nil {
				w.setErr(err)
				return
			}
		case <-ticker.C:
			if err := buf.Flush(); err != nil {
				w.setErr(err)
				return
			}
		}
	}
}

func writeRecord(buf *bufio.Writer, headerBuf []byte, checksumBuf *[recordChecksumSize]byte, seq uint64, ev schema.Event) error {
	kind, payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	encodeHeader(headerBuf, recordHeader{
		Kind:    kind,
		Seq:     seq,
		TsEvent: ev.EventTime().UnixNano(),
	}, len(payload))
	binary.LittleEndian.PutUint32(checksumBuf[:], checksum(headerBuf, payload))

	if _, err := buf.Write(headerBuf); err != nil {
		return err
	}
	if _, err := buf.Write(payload); err != nil {
		return err
	}
	if _, err := buf.Write(checksumBuf[:]); err != nil {
		return err
	}
	return nil
}

func (w *Writer) setErr(err error) {
	if err == nil || w.err.Load() != nil {
		return
	}
	w.err.Store(err)
}
