// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/lib/clock"
	"github.com/formbridge/formbridge/lib/secret"
)

// RecorderConfig holds the parameters for starting a transcript.
type RecorderConfig struct {
	// Path is the transcript file to create. The file must not
	// already exist; the parent directory must. Required.
	Path string

	// Key is the master encryption key, 32 bytes. When nil the
	// transcript is written in plaintext. The key is borrowed only
	// for the duration of NewRecorder: the recorder derives and owns
	// a per-transcript key and never retains the master.
	Key *secret.Buffer

	// Compression selects the frame codec ceiling: "none", "lz4", or
	// "zstd". Frames that do not compress are stored raw regardless.
	// Defaults to "zstd".
	Compression string

	// QueueSize is the record queue capacity. Defaults to 256.
	// Events recorded while the queue is full are dropped.
	QueueSize int

	// Clock provides header and seal timestamps. Event timestamps
	// come from the events themselves. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to a discard
	// logger.
	Logger *slog.Logger
}

// Recorder appends bridge lifecycle events to a transcript file. It
// implements bridge.Tap; Record never blocks. Close writes the seal
// frame and syncs the file.
type Recorder struct {
	file         *os.File
	path         string
	transcriptID string
	key          *secret.Buffer // per-transcript frame key, nil when unencrypted
	compression  compressionTag
	clock        clock.Clock
	logger       *slog.Logger

	queue   chan bridge.Event
	done    chan struct{} // closed when the writer goroutine exits
	dropped atomic.Int64

	// mu guards closed so Record never sends on a closed queue.
	mu     sync.RWMutex
	closed bool

	// Writer goroutine state. Only writeLoop touches these until
	// done is closed.
	seq      uint64
	chain    chainHash
	writeErr error
}

// NewRecorder creates the transcript file, writes its header, and
// starts the writer goroutine.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, errors.New("transcript: path is required")
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	compression, err := parseCompression(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}

	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("transcript: generating transcript ID: %w", err)
	}
	transcriptID := hex.EncodeToString(raw[:])

	var key *secret.Buffer
	var flags byte
	if cfg.Key != nil {
		if cfg.Key.Len() != keySize {
			return nil, fmt.Errorf("transcript: master key is %d bytes, want %d", cfg.Key.Len(), keySize)
		}
		derived, err := deriveTranscriptKey(cfg.Key, transcriptID)
		if err != nil {
			return nil, fmt.Errorf("transcript: %w", err)
		}
		key = derived
		flags |= flagEncrypted
	}

	headerBytes, err := encodeHeader(fileHeader{
		TranscriptID: transcriptID,
		CreatedAt:    clk.Now().UnixNano(),
	}, flags)
	if err != nil {
		if key != nil {
			key.Close()
		}
		return nil, fmt.Errorf("transcript: %w", err)
	}

	// O_EXCL: a transcript is never resumed or overwritten. Callers
	// pick a fresh name per process.
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if key != nil {
			key.Close()
		}
		return nil, fmt.Errorf("transcript: creating %s: %w", cfg.Path, err)
	}
	if _, err := file.Write(headerBytes); err != nil {
		file.Close()
		os.Remove(cfg.Path)
		if key != nil {
			key.Close()
		}
		return nil, fmt.Errorf("transcript: writing header: %w", err)
	}

	recorder := &Recorder{
		file:         file,
		path:         cfg.Path,
		transcriptID: transcriptID,
		key:          key,
		compression:  compression,
		clock:        clk,
		logger:       logger,
		queue:        make(chan bridge.Event, queueSize),
		done:         make(chan struct{}),
		chain:        chainGenesis(headerBytes),
	}

	go recorder.writeLoop()
	return recorder, nil
}

// TranscriptID returns the random identifier written into the file
// header.
func (r *Recorder) TranscriptID() string {
	return r.transcriptID
}

// Path returns the transcript file path.
func (r *Recorder) Path() string {
	return r.path
}

// Record queues one event for the transcript. It never blocks: when
// the queue is full the event is dropped and counted.
func (r *Recorder) Record(event bridge.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	select {
	case r.queue <- event:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("transcript queue full, dropping events",
				"transcript", r.transcriptID)
		}
	}
}

// Dropped reports how many events have been discarded because the
// queue was full or the recorder was closed.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events, flushes everything already queued,
// seals the transcript, and closes the file. It returns the first
// write error, if any; a transcript with a write error is left
// unsealed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done

	closeErr := r.file.Close()
	if r.key != nil {
		r.key.Close()
	}
	if r.writeErr != nil {
		return r.writeErr
	}
	return closeErr
}

// writeLoop is the single writer goroutine. After the first write
// error it keeps draining the queue so Record stays non-blocking, but
// writes nothing further and never seals.
func (r *Recorder) writeLoop() {
	defer close(r.done)

	for event := range r.queue {
		if r.writeErr != nil {
			continue
		}
		if err := r.writeEvent(event); err != nil {
			r.writeErr = err
			r.logger.Error("transcript write failed, recording stopped",
				"transcript", r.transcriptID, "error", err)
		}
	}

	if r.writeErr != nil {
		return
	}
	if err := r.writeSeal(); err != nil {
		r.writeErr = err
		r.logger.Error("transcript seal failed",
			"transcript", r.transcriptID, "error", err)
	}
}

func (r *Recorder) writeEvent(event bridge.Event) error {
	stored, err := buildFrame(recordFrame(event, r.seq), r.key, r.transcriptID, r.seq, r.compression)
	if err != nil {
		return err
	}
	if err := r.writeStored(stored); err != nil {
		return err
	}
	r.chain = chainNext(r.chain, stored)
	r.seq++
	return nil
}

// writeSeal appends the seal frame carrying the frame count and the
// chain head, then syncs. The chain does not advance over the seal:
// the head it carries covers exactly the frames before it.
func (r *Recorder) writeSeal() error {
	seal := eventFrame{
		Seq:        r.seq,
		Kind:       sealKind,
		Time:       r.clock.Now().UnixNano(),
		FrameCount: r.seq,
		ChainHead:  r.chain[:],
	}
	stored, err := buildFrame(seal, r.key, r.transcriptID, r.seq, r.compression)
	if err != nil {
		return err
	}
	if err := r.writeStored(stored); err != nil {
		return err
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}
	return nil
}

// writeStored writes one length-prefixed frame in a single Write so a
// crash cannot interleave another file's output mid-frame.
func (r *Recorder) writeStored(stored []byte) error {
	framed := make([]byte, 4+len(stored))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(stored)))
	copy(framed[4:], stored)
	if _, err := r.file.Write(framed); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
