package core

import (
	"encoding/base64"
	"sync"

	"github.com/google/uuid"

	xerrors "github.com/crossbus-go/bus/pkg/bus/errors"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

// DefaultChunkSize is the default split threshold for outgoing binary
// chunks.
const DefaultChunkSize = 64000

// StreamWriter is the single-writer sender side of a stream session.
// Writing after End raises.
type StreamWriter struct {
	mu        sync.Mutex
	sid       string
	name      string
	chunkSize int
	seq       uint64
	ended     bool
	send      func(types.Envelope) error
}

// NewStreamWriter opens a stream session, sending the initial "open"
// frame.
func NewStreamWriter(name string, meta map[string]any, chunkSize int, send func(types.Envelope) error) (*StreamWriter, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	w := &StreamWriter{
		sid:       uuid.NewString(),
		name:      name,
		chunkSize: chunkSize,
		send:      send,
	}
	frame := types.StreamFramePayload{SID: w.sid, Stage: types.StreamOpenFrame, Name: name, Meta: meta}
	return w, w.emit(frame)
}

// SID returns the session identifier.
func (w *StreamWriter) SID() string { return w.sid }

func (w *StreamWriter) emit(payload types.StreamFramePayload) error {
	env := types.NewEnvelope(types.KindStream, payload, nil)
	return w.send(env)
}

// WriteText writes a text chunk, splitting it into chunkSize-byte pieces.
func (w *StreamWriter) WriteText(text string) error {
	return w.write([]byte(text), false)
}

// WriteBinary writes a binary chunk, base64-encoding and splitting it
// into chunkSize-byte pieces.
func (w *StreamWriter) WriteBinary(data []byte) error {
	return w.write(data, true)
}

func (w *StreamWriter) write(data []byte, binary bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ended {
		return xerrors.New(xerrors.ChannelClosed, map[string]any{"reason": "stream already ended", "sid": w.sid})
	}

	for offset := 0; offset < len(data) || (len(data) == 0 && offset == 0); offset += w.chunkSize {
		end := offset + w.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		w.seq++
		payload := types.StreamFramePayload{SID: w.sid, Stage: types.StreamDataFrame, Seq: w.seq, B64: binary}
		if binary {
			payload.Data = base64.StdEncoding.EncodeToString(chunk)
		} else {
			payload.Data = string(chunk)
		}
		if err := w.emit(payload); err != nil {
			return xerrors.Wrap(xerrors.SendFailed, err, map[string]any{"sid": w.sid})
		}
		if len(data) == 0 {
			break
		}
	}
	return nil
}

// End signals graceful completion. Idempotent.
func (w *StreamWriter) End() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ended {
		return nil
	}
	w.ended = true
	return w.emit(types.StreamFramePayload{SID: w.sid, Stage: types.StreamEndFrame})
}

// Abort ends the stream with an error reason. Idempotent.
func (w *StreamWriter) Abort(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ended {
		return nil
	}
	w.ended = true
	return w.emit(types.StreamFramePayload{SID: w.sid, Stage: types.StreamErrorFrame, Reason: reason})
}

// StreamReader buffers incoming chunks in arrival order and exposes a
// channel-based iterator.
type StreamReader struct {
	mu     sync.Mutex
	sid    string
	name   string
	meta   map[string]any
	state  types.StreamState
	chunks chan types.StreamChunk
	errMsg string
}

// NewStreamReader builds a receiver-side session for an "open" frame.
func NewStreamReader(open types.StreamFramePayload, bufSize int) *StreamReader {
	return &StreamReader{
		sid:    open.SID,
		name:   open.Name,
		meta:   open.Meta,
		state:  types.StreamOpen,
		chunks: make(chan types.StreamChunk, bufSize),
	}
}

// SID returns the session identifier.
func (r *StreamReader) SID() string { return r.sid }

// Name returns the logical stream name advertised at open.
func (r *StreamReader) Name() string { return r.name }

// State returns the current lifecycle state.
func (r *StreamReader) State() types.StreamState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Chunks returns the asynchronous iterator channel; it is closed when
// the stream ends (normally or with error). On error, Err() reports the
// reason after the channel closes.
func (r *StreamReader) Chunks() <-chan types.StreamChunk {
	return r.chunks
}

// Err returns the error reason if the stream ended with error.
func (r *StreamReader) Err() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

// Dispatch applies one incoming data/end/error frame. Returns an error
// if the frame is misrouted to an already-closed session.
func (r *StreamReader) Dispatch(frame types.StreamFramePayload) error {
	r.mu.Lock()
	if r.state != types.StreamOpen {
		r.mu.Unlock()
		return xerrors.New(xerrors.InvalidMessage, map[string]any{"sid": r.sid, "reason": "stream already closed"})
	}

	switch frame.Stage {
	case types.StreamDataFrame:
		chunk := types.StreamChunk{Seq: frame.Seq, Binary: frame.B64}
		if frame.B64 {
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				r.mu.Unlock()
				return xerrors.Wrap(xerrors.InvalidMessage, err, map[string]any{"sid": r.sid})
			}
			chunk.Data = data
		} else {
			chunk.Text = frame.Data
		}
		r.mu.Unlock()
		r.chunks <- chunk
		return nil
	case types.StreamEndFrame:
		r.state = types.StreamEndedNormally
		r.mu.Unlock()
		close(r.chunks)
		return nil
	case types.StreamErrorFrame:
		r.state = types.StreamEndedWithError
		r.errMsg = frame.Reason
		r.mu.Unlock()
		close(r.chunks)
		return nil
	default:
		r.mu.Unlock()
		return xerrors.New(xerrors.InvalidMessage, map[string]any{"sid": r.sid, "stage": frame.Stage})
	}
}

// Collect drains the reader's iterator and assembles every chunk into a
// single binary buffer or concatenated string, depending on chunk type.
// Returns a channel-failed error carrying the reason if the stream
// ended with error.
func Collect(r *StreamReader) ([]byte, string, error) {
	var buf []byte
	var text string
	binary := false
	first := true
	for chunk := range r.Chunks() {
		if first {
			binary = chunk.Binary
			first = false
		}
		if chunk.Binary {
			buf = append(buf, chunk.Data...)
		} else {
			text += chunk.Text
		}
	}
	if r.State() == types.StreamEndedWithError {
		return nil, "", xerrors.New(xerrors.ChannelFailed, map[string]any{"reason": r.Err()})
	}
	if binary {
		return buf, "", nil
	}
	return nil, text, nil
}
