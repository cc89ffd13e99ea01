package session

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/kcosr/termstation-sub005/internal/logger"
	"github.com/kcosr/termstation-sub005/internal/protocol"
)

var (
	ErrNotInteractive = errors.New("session is read-only")
	ErrNotAttached    = errors.New("client is not attached")
	ErrTerminated     = errors.New("session is terminated")
)

const (
	readBufSize  = 32 * 1024
	drainTimeout = 3 * time.Second
)

// Event is what the runtime emits toward the connection manager. A nil
// Targets means visibility-filtered broadcast; otherwise the message goes
// only to the listed client ids. The dispatcher goroutine in the server is
// the single reader, so neither side holds a back-pointer.
type Event struct {
	Targets []string
	Msg     any
}

// Runtime drives one session's PTY: output fan-out, input admission and
// termination. Exactly one Runtime exists per active session.
type Runtime struct {
	sess   *Session
	ptmx   *os.File
	proc   Process
	events chan<- Event

	ring       *historyRing
	transcript *transcript
	activity   *activityLog

	// onExit runs once after the process is gone and metadata persisted.
	onExit func(*Session)

	// writeMu serializes offset capture with the transcript and ring
	// appends so recorded offsets always match the bytes they describe.
	writeMu sync.Mutex

	terminating chan struct{} // closed when termination was requested
	done        chan struct{} // closed when the runtime fully stopped
	termOnce    sync.Once
	doneOnce    sync.Once
}

func newRuntime(sess *Session, ptmx *os.File, proc Process, events chan<- Event,
	transcriptDir string, onExit func(*Session)) (*Runtime, error) {

	tr, err := openTranscript(transcriptDir, sess.ID)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		sess:        sess,
		ptmx:        ptmx,
		proc:        proc,
		events:      events,
		ring:        newHistoryRing(0),
		transcript:  tr,
		activity:    newActivityLog(),
		onExit:      onExit,
		terminating: make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// start moves the session to Active and begins pumping PTY output.
func (r *Runtime) start() {
	r.sess.mu.Lock()
	r.sess.state = StateActive
	r.sess.IsActive = true
	r.sess.mu.Unlock()

	r.injectMarker(MarkerSessionStart)
	go r.readLoop()
	go r.waitLoop()
	go r.idleLoop()
}

// readLoop pumps PTY output until EOF. Each chunk is recorded (activity
// transition first, then transcript and ring) and fanned out to attached
// clients. The PTY reader is the only goroutine that blocks on the fd.
func (r *Runtime) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.emit(chunk)
		}
		if err != nil {
			// PTY EOF or close: the wait loop owns the state change.
			return
		}
	}
}

// appendStream appends chunk to the transcript and ring under the write
// lock, invoking record with the chunk's offset inside the same critical
// section. Returns that offset.
func (r *Runtime) appendStream(chunk []byte, record func(offset int64)) int64 {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	offset := r.ring.Len()
	if record != nil {
		record(offset)
	}
	if err := r.transcript.Write(chunk); err != nil {
		logger.Debug("transcript write failed", "session", r.sess.ID, "error", err)
	}
	r.ring.Write(chunk)
	return offset
}

// fanOut delivers a recorded chunk to the attached clients.
func (r *Runtime) fanOut(chunk []byte, offset int64) {
	targets := r.sess.attachedClients()
	if len(targets) == 0 {
		return
	}
	r.send(Event{
		Targets: targets,
		Msg: protocol.Output{
			Type:      protocol.TypeOutput,
			SessionID: r.sess.ID,
			Data:      base64.StdEncoding.EncodeToString(chunk),
			Offset:    offset,
		},
	})
}

// emit records a chunk of PTY output and fans it out. The activity
// transition is recorded at the chunk's offset so replay markers align
// with the bytes they precede.
func (r *Runtime) emit(chunk []byte) {
	now := time.Now()
	offset := r.appendStream(chunk, func(offset int64) {
		r.activity.noteOutput(offset, now)
	})
	r.scanTitle(chunk)
	r.fanOut(chunk, offset)
}

// injectMarker writes an in-band OSC-133 timestamp marker into the output
// stream and records the matching transition at its offset.
func (r *Runtime) injectMarker(kind string) {
	now := time.Now()
	chunk := oscMarker(kind, now)
	offset := r.appendStream(chunk, func(offset int64) {
		r.activity.noteMarker(offset, kind, now)
	})
	r.fanOut(chunk, offset)
}

// send is non-blocking: a full event channel drops the event rather than
// stalling the PTY reader.
func (r *Runtime) send(ev Event) {
	select {
	case r.events <- ev:
	default:
		logger.Warn("event channel full, dropping event", "session", r.sess.ID)
	}
}

// scanTitle extracts OSC 0/2 window titles into DynamicTitle.
func (r *Runtime) scanTitle(chunk []byte) {
	for _, prefix := range [][]byte{[]byte("\x1b]0;"), []byte("\x1b]2;")} {
		i := bytes.LastIndex(chunk, prefix)
		if i < 0 {
			continue
		}
		rest := chunk[i+len(prefix):]
		end := bytes.IndexAny(rest, "\x07\x1b")
		if end < 0 {
			continue
		}
		title := string(rest[:end])
		r.sess.mu.Lock()
		r.sess.DynamicTitle = title
		r.sess.mu.Unlock()
		return
	}
}

// WriteInput admits a client keystroke. Rejections follow the admission
// rules: non-interactive sessions drop input with a read-only signal,
// detached clients and terminated sessions are refused outright.
func (r *Runtime) WriteInput(clientID string, data []byte) error {
	r.sess.mu.Lock()
	state := r.sess.state
	interactive := r.sess.Interactive
	attached := r.sess.attachedLocked(clientID)
	r.sess.mu.Unlock()

	if state == StateTerminated || state == StateTerminating {
		return ErrTerminated
	}
	if !attached {
		return ErrNotAttached
	}
	if !interactive {
		return ErrNotInteractive
	}

	// Submitting a full line stamps the stream so history replay can
	// anchor to the command boundary.
	if bytes.ContainsAny(data, "\r\n") {
		r.injectMarker(MarkerInputSubmit)
	}

	_, err := r.ptmx.Write(data)
	return err
}

// Resize applies a window size change and remembers it so late joiners
// render consistently.
func (r *Runtime) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("invalid size")
	}
	if err := pty.Setsize(r.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return err
	}
	r.sess.mu.Lock()
	r.sess.cols, r.sess.rows = cols, rows
	r.sess.mu.Unlock()
	return nil
}

// History returns resident output at or after offset plus the transitions
// covering that range. Markers precede the bytes they describe.
func (r *Runtime) History(offset int64) (data []byte, start int64, transitions []Transition) {
	data, start = r.ring.ReadSince(offset)
	return data, start, r.activity.Since(start)
}

// Transcript exposes the on-disk transcript for ranged history reads.
func (r *Runtime) Transcript() *transcript { return r.transcript }

// Terminate requests shutdown of the session process: SIGTERM, a bounded
// drain, then SIGKILL. Idempotent; the wait loop performs the state
// transition when the process is gone.
func (r *Runtime) Terminate() {
	r.termOnce.Do(func() {
		r.sess.mu.Lock()
		if r.sess.state == StateActive || r.sess.state == StateStarting {
			r.sess.state = StateTerminating
		}
		r.sess.mu.Unlock()
		close(r.terminating)

		if err := r.proc.Signal(syscall.SIGTERM); err != nil {
			logger.Debug("terminate signal failed", "session", r.sess.ID, "error", err)
		}
		go func() {
			select {
			case <-r.done:
			case <-time.After(drainTimeout):
				r.proc.Kill()
			}
		}()
	})
}

// waitLoop reaps the process and finalizes the session exactly once.
func (r *Runtime) waitLoop() {
	code := r.proc.Wait()
	r.finalize(code)
}

func (r *Runtime) finalize(code int) {
	r.doneOnce.Do(func() {
		r.ptmx.Close()
		r.transcript.Close()

		r.sess.mu.Lock()
		r.sess.state = StateTerminated
		r.sess.IsActive = false
		r.sess.ExitCode = &code
		r.sess.mu.Unlock()

		if r.onExit != nil {
			r.onExit(r.sess)
		}
		r.send(Event{Msg: protocol.SessionUpdated{
			Type:       protocol.TypeSessionUpdated,
			UpdateType: protocol.UpdateTerminated,
			SessionID:  r.sess.ID,
			Session:    r.sess.Snapshot(),
		}})

		// Done fires only after the exit callback and the terminated
		// broadcast have completed; shutdown waits on it before flushing.
		close(r.done)
	})
}

// idleLoop records active→idle transitions while the session lives.
func (r *Runtime) idleLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.activity.noteIdle(r.ring.Len(), time.Now())
		}
	}
}

// Done is closed when the runtime has fully stopped.
func (r *Runtime) Done() <-chan struct{} { return r.done }
