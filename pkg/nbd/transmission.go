package nbd

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// See https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md and linux/nbd.h

const (
	TRANSMISSION_MAGIC_REQUEST = uint32(0x25609513)
	TRANSMISSION_MAGIC_REPLY   = uint32(0x67446698)

	TRANSMISSION_REQUEST_HEADER_SIZE = 28
	TRANSMISSION_REPLY_HEADER_SIZE   = 16

	TRANSMISSION_ERROR_EPERM   = uint32(1)
	TRANSMISSION_ERROR_EIO     = uint32(5)
	TRANSMISSION_ERROR_EINVAL  = uint32(22)
	TRANSMISSION_ERROR_ENOSPC  = uint32(28)
	TRANSMISSION_ERROR_ENOTSUP = uint32(95)

	// Support for a 32M maximum packet size is expected: https://sourceforge.net/p/nbd/mailman/message/35081223/
	MaximumRequestSize = 32 * 1024 * 1024
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrInvalidMagic    = fmt.Errorf("%w: invalid magic", ErrMalformedFrame)
	ErrUnknownCommand  = fmt.Errorf("%w: unknown command", ErrMalformedFrame)
	ErrRequestTooLarge = fmt.Errorf("%w: request too large", ErrMalformedFrame)

	// ErrIncompleteFrame means more bytes are needed; it is not a protocol error.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// Command is the full 32-bit type word of a request.
type Command uint32

const (
	CmdRead       Command = 0
	CmdWrite      Command = 1
	CmdDisconnect Command = 2
	CmdFlush      Command = 3
	CmdTrim       Command = 4
)

var commandNames = map[Command]string{
	CmdRead:       "read",
	CmdWrite:      "write",
	CmdDisconnect: "disconnect",
	CmdFlush:      "flush",
	CmdTrim:       "trim",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}

	return fmt.Sprintf("command(%#x)", uint32(c))
}

func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// TransmissionRequestHeader is the fixed part of a request frame. The type
// is a single 32-bit word; only the five command values are accepted.
type TransmissionRequestHeader struct {
	RequestMagic uint32
	Type         uint32
	Handle       uint64
	Offset       uint64
	Length       uint32
}

type TransmissionReplyHeader struct {
	ReplyMagic uint32
	Error      uint32
	Handle     uint64
}

type Request struct {
	Type   Command
	Handle uint64
	Offset uint64
	Length uint32

	// Payload is set for writes only. When returned by DecodeRequest it
	// aliases the input buffer.
	Payload []byte
}

type Reply struct {
	Handle  uint64
	Error   uint32
	Payload []byte
}

func decodeRequestHeader(b []byte) TransmissionRequestHeader {
	return TransmissionRequestHeader{
		RequestMagic: binary.BigEndian.Uint32(b[0:]),
		Type:         binary.BigEndian.Uint32(b[4:]),
		Handle:       binary.BigEndian.Uint64(b[8:]),
		Offset:       binary.BigEndian.Uint64(b[16:]),
		Length:       binary.BigEndian.Uint32(b[24:]),
	}
}

// DecodeRequest decodes one request frame from the front of b and returns the
// number of bytes it occupies. ErrIncompleteFrame is returned until the header
// and, for writes, the whole payload are present.
func DecodeRequest(b []byte) (Request, int, error) {
	if len(b) < TRANSMISSION_REQUEST_HEADER_SIZE {
		return Request{}, 0, ErrIncompleteFrame
	}

	hdr := decodeRequestHeader(b)

	if hdr.RequestMagic != TRANSMISSION_MAGIC_REQUEST {
		return Request{}, 0, errors.Wrapf(ErrInvalidMagic, "request magic %#x", hdr.RequestMagic)
	}

	cmd := Command(hdr.Type)
	if !cmd.Valid() {
		return Request{}, 0, errors.Wrapf(ErrUnknownCommand, "type %#x", hdr.Type)
	}

	req := Request{
		Type:   cmd,
		Handle: hdr.Handle,
		Offset: hdr.Offset,
		Length: hdr.Length,
	}

	switch cmd {
	case CmdRead:
		if hdr.Length > MaximumRequestSize {
			return Request{}, 0, errors.Wrapf(ErrRequestTooLarge, "read of %d bytes", hdr.Length)
		}
	case CmdWrite:
		if hdr.Length > MaximumRequestSize {
			return Request{}, 0, errors.Wrapf(ErrRequestTooLarge, "write of %d bytes", hdr.Length)
		}

		total := TRANSMISSION_REQUEST_HEADER_SIZE + int(hdr.Length)
		if len(b) < total {
			return Request{}, 0, ErrIncompleteFrame
		}

		req.Payload = b[TRANSMISSION_REQUEST_HEADER_SIZE:total:total]

		return req, total, nil
	}

	return req, TRANSMISSION_REQUEST_HEADER_SIZE, nil
}

// frameSize reports how many bytes the frame starting at b needs, or 0 if the
// header is not complete yet.
func frameSize(b []byte) int {
	if len(b) < TRANSMISSION_REQUEST_HEADER_SIZE {
		return 0
	}

	hdr := decodeRequestHeader(b)
	if Command(hdr.Type) == CmdWrite && hdr.Length <= MaximumRequestSize {
		return TRANSMISSION_REQUEST_HEADER_SIZE + int(hdr.Length)
	}

	return TRANSMISSION_REQUEST_HEADER_SIZE
}

// AppendRequest encodes req onto dst. A write's Length is taken from its
// payload.
func AppendRequest(dst []byte, req Request) []byte {
	length := req.Length
	if req.Type == CmdWrite {
		length = uint32(len(req.Payload))
	}

	dst = binary.BigEndian.AppendUint32(dst, TRANSMISSION_MAGIC_REQUEST)
	dst = binary.BigEndian.AppendUint32(dst, uint32(req.Type))
	dst = binary.BigEndian.AppendUint64(dst, req.Handle)
	dst = binary.BigEndian.AppendUint64(dst, req.Offset)
	dst = binary.BigEndian.AppendUint32(dst, length)

	if req.Type == CmdWrite {
		dst = append(dst, req.Payload...)
	}

	return dst
}

// AppendReply encodes rep onto dst. The payload is only emitted for
// successful replies.
func AppendReply(dst []byte, rep Reply) []byte {
	dst = binary.BigEndian.AppendUint32(dst, TRANSMISSION_MAGIC_REPLY)
	dst = binary.BigEndian.AppendUint32(dst, rep.Error)
	dst = binary.BigEndian.AppendUint64(dst, rep.Handle)

	if rep.Error == 0 {
		dst = append(dst, rep.Payload...)
	}

	return dst
}

// DecodeReply decodes a reply frame. The caller supplies the length of the
// originating read (0 for every other command) since the frame does not
// carry it.
func DecodeReply(b []byte, readLength uint32) (Reply, int, error) {
	if len(b) < TRANSMISSION_REPLY_HEADER_SIZE {
		return Reply{}, 0, ErrIncompleteFrame
	}

	hdr := TransmissionReplyHeader{
		ReplyMagic: binary.BigEndian.Uint32(b[0:]),
		Error:      binary.BigEndian.Uint32(b[4:]),
		Handle:     binary.BigEndian.Uint64(b[8:]),
	}

	if hdr.ReplyMagic != TRANSMISSION_MAGIC_REPLY {
		return Reply{}, 0, errors.Wrapf(ErrInvalidMagic, "reply magic %#x", hdr.ReplyMagic)
	}

	rep := Reply{Handle: hdr.Handle, Error: hdr.Error}

	if hdr.Error != 0 || readLength == 0 {
		return rep, TRANSMISSION_REPLY_HEADER_SIZE, nil
	}

	total := TRANSMISSION_REPLY_HEADER_SIZE + int(readLength)
	if len(b) < total {
		return Reply{}, 0, ErrIncompleteFrame
	}

	rep.Payload = b[TRANSMISSION_REPLY_HEADER_SIZE:total:total]

	return rep, total, nil
}
