package nbd

import (
	"crypto/sha256"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/mode"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const initialBufferSize = 64 * 1024

// frameReader accumulates bytes read from the channel until a whole request
// frame is available. The payload of a returned request is only valid until
// the next call to next.
type frameReader struct {
	r          io.Reader
	buf        []byte
	start, end int
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r, buf: make([]byte, initialBufferSize)}
}

func (f *frameReader) next() (Request, error) {
	for {
		req, n, err := DecodeRequest(f.buf[f.start:f.end])
		if err == nil {
			f.start += n
			return req, nil
		}

		if err != ErrIncompleteFrame {
			return Request{}, err
		}

		if err := f.fill(); err != nil {
			return Request{}, err
		}
	}
}

func (f *frameReader) fill() error {
	pending := f.end - f.start

	need := frameSize(f.buf[f.start:f.end])
	if need <= pending {
		need = pending + TRANSMISSION_REQUEST_HEADER_SIZE
	}

	if f.start > 0 {
		copy(f.buf, f.buf[f.start:f.end])
		f.start, f.end = 0, pending
	}

	if need > len(f.buf) {
		buf := make([]byte, need)
		copy(buf, f.buf[:f.end])
		f.buf = buf
	}

	n, err := f.r.Read(f.buf[f.end:])
	f.end += n

	if n > 0 || err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) {
		if f.end > 0 {
			return io.ErrUnexpectedEOF
		}

		return io.EOF
	}

	return err
}

// session services one channel: requests are answered strictly one at a time,
// and a reply is fully written before the next request is read.
type session struct {
	log      hclog.Logger
	conn     io.ReadWriter
	backend  Backend
	info     ExportInfo
	readOnly bool

	in      *frameReader
	out     []byte
	scratch []byte
}

func newSession(log hclog.Logger, conn io.ReadWriter, backend Backend, info ExportInfo) *session {
	return &session{
		log:      log,
		conn:     conn,
		backend:  backend,
		info:     info,
		readOnly: info.Has(NEGO_FLAG_READONLY),
		in:       newFrameReader(conn),
	}
}

// serve returns nil when the peer disconnects or closes the channel, and an
// error when the stream can no longer be trusted.
func (s *session) serve() error {
	sessions.Inc()
	defer sessions.Dec()

	for {
		req, err := s.in.next()
		if err != nil {
			if err == io.EOF {
				s.log.Debug("channel closed by peer")
				return nil
			}

			return errors.Wrapf(err, "reading request")
		}

		done, err := s.handle(req)
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}
}

func (s *session) handle(req Request) (bool, error) {
	cmd := req.Type.String()

	s.log.Trace("nbd request", "command", cmd, "handle", req.Handle, "offset", req.Offset, "length", req.Length)

	requests.WithLabelValues(cmd).Inc()

	if req.Type == CmdDisconnect {
		s.log.Debug("disconnect requested")

		if u, ok := s.backend.(Unmounter); ok {
			u.Unmount()
		}

		return true, nil
	}

	start := time.Now()

	rep := Reply{Handle: req.Handle}
	rep.Error, rep.Payload = s.dispatch(req)

	requestLatency.WithLabelValues(cmd).Observe(time.Since(start).Seconds())

	if rep.Error != 0 {
		requestErrors.WithLabelValues(cmd).Inc()
		s.log.Debug("replying with error", "command", cmd, "handle", req.Handle, "error", unix.Errno(rep.Error))
	}

	s.out = AppendReply(s.out[:0], rep)

	if _, err := s.conn.Write(s.out); err != nil {
		return false, errors.Wrapf(err, "writing reply to %s", cmd)
	}

	return false, nil
}

func (s *session) dispatch(req Request) (uint32, []byte) {
	off := int64(req.Offset)

	switch req.Type {
	case CmdRead:
		if !s.inRange(req) {
			return TRANSMISSION_ERROR_EINVAL, nil
		}

		buf := s.buffer(int(req.Length))

		n, err := s.backend.ReadAt(buf, off)
		if n == len(buf) {
			err = nil
		} else if err == nil {
			err = io.ErrUnexpectedEOF
		}

		if err != nil {
			s.log.Error("backend read failed", "offset", off, "length", req.Length, "error", err)
			return errorCode(err), nil
		}

		bytesRead.Add(float64(n))

		if mode.Debug() {
			logBlocks(s.log, "read block sums", req.Offset, s.info.BlockSize, buf)
		}

		return 0, buf
	case CmdWrite:
		if s.readOnly {
			return TRANSMISSION_ERROR_EPERM, nil
		}

		w, ok := s.backend.(io.WriterAt)
		if !ok {
			return TRANSMISSION_ERROR_EPERM, nil
		}

		if !s.inRange(req) {
			return TRANSMISSION_ERROR_ENOSPC, nil
		}

		if mode.Debug() {
			logBlocks(s.log, "write block sums", req.Offset, s.info.BlockSize, req.Payload)
		}

		n, err := w.WriteAt(req.Payload, off)
		if err == nil && n < len(req.Payload) {
			err = io.ErrShortWrite
		}

		if err != nil {
			s.log.Error("backend write failed", "offset", off, "length", req.Length, "error", err)
			return errorCode(err), nil
		}

		bytesWritten.Add(float64(n))

		return 0, nil
	case CmdFlush:
		f, ok := s.backend.(Flusher)
		if !ok {
			return TRANSMISSION_ERROR_ENOTSUP, nil
		}

		if err := f.Flush(); err != nil {
			s.log.Error("backend flush failed", "error", err)
			return errorCode(err), nil
		}

		return 0, nil
	case CmdTrim:
		if s.readOnly {
			return TRANSMISSION_ERROR_EPERM, nil
		}

		t, ok := s.backend.(Trimmer)
		if !ok {
			return TRANSMISSION_ERROR_ENOTSUP, nil
		}

		if !s.inRange(req) {
			return TRANSMISSION_ERROR_EINVAL, nil
		}

		if err := t.Trim(off, req.Length); err != nil {
			s.log.Error("backend trim failed", "offset", off, "length", req.Length, "error", err)
			return errorCode(err), nil
		}

		return 0, nil
	}

	return TRANSMISSION_ERROR_EINVAL, nil
}

func (s *session) inRange(req Request) bool {
	size := s.info.Size
	return req.Offset <= size && uint64(req.Length) <= size-req.Offset
}

func (s *session) buffer(sz int) []byte {
	if sz > cap(s.scratch) {
		s.scratch = make([]byte, sz)
	}

	return s.scratch[:sz]
}

// errorCode passes an errno through to the peer and reports anything else
// as EIO.
func errorCode(err error) uint32 {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return uint32(errno)
	}

	return TRANSMISSION_ERROR_EIO
}

func blockSum(b []byte) string {
	empty := true

	for _, x := range b {
		if x != 0 {
			empty = false
			break
		}
	}

	if empty {
		return "0"
	}

	x := sha256.Sum256(b)
	return base58.Encode(x[:])
}

func logBlocks(log hclog.Logger, msg string, off uint64, blockSize uint32, data []byte) {
	if blockSize == 0 || !log.IsTrace() {
		return
	}

	bs := int(blockSize)
	idx := off / uint64(blockSize)

	for len(data) > 0 {
		n := min(bs, len(data))
		log.Trace(msg, "block", idx, "sum", blockSum(data[:n]))
		data = data[n:]
		idx++
	}
}
