package nbd

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// See https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md and https://github.com/abligh/gonbdserver/

const (
	NEGOTIATION_MAGIC_OLDSTYLE = uint64(0x4e42444d41474943)
	NEGOTIATION_MAGIC_OPTION   = uint64(0x49484156454F5054)
	NEGOTIATION_MAGIC_REPLY    = uint64(0x3e889045565a9)

	NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE = uint16(1 << 0)
	NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES      = uint16(1 << 1)

	NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE = uint32(1 << 0)
	NEGOTIATION_CLIENT_FLAG_NO_ZEROES      = uint32(1 << 1)

	NEGOTIATION_ID_OPTION_EXPORT_NAME = uint32(1)
	NEGOTIATION_ID_OPTION_ABORT       = uint32(2)
	NEGOTIATION_ID_OPTION_LIST        = uint32(3)
	NEGOTIATION_ID_OPTION_INFO        = uint32(6)
	NEGOTIATION_ID_OPTION_GO          = uint32(7)

	NEGOTIATION_TYPE_REPLY_ACK             = uint32(1)
	NEGOTIATION_TYPE_REPLY_SERVER          = uint32(2)
	NEGOTIATION_TYPE_REPLY_INFO            = uint32(3)
	NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED = uint32(1 | uint32(1<<31))
	NEGOTIATION_TYPE_REPLY_ERR_INVALID     = uint32(3 | uint32(1<<31))
	NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN     = uint32(6 | uint32(1<<31))

	NEGOTIATION_TYPE_INFO_EXPORT      = uint16(0)
	NEGOTIATION_TYPE_INFO_NAME        = uint16(1)
	NEGOTIATION_TYPE_INFO_DESCRIPTION = uint16(2)
	NEGOTIATION_TYPE_INFO_BLOCKSIZE   = uint16(3)

	NEGOTIATION_REPLY_FLAGS_HAS_FLAGS = uint16(1 << 0)

	NEGO_FLAG_READONLY   = uint16(1 << 1)
	NEGO_FLAG_SEND_FLUSH = uint16(1 << 2)
	NEGO_FLAG_SEND_FUA   = uint16(1 << 3)
	NEGO_FLAG_ROTATIONAL = uint16(1 << 4)
	NEGO_FLAG_SEND_TRIM  = uint16(1 << 5)

	NEGOTIATION_GREETING_SIZE      = 18
	NEGOTIATION_OPTION_HEADER_SIZE = 16
	NEGOTIATION_REPLY_HEADER_SIZE  = 20
	NEGOTIATION_EXPORT_INFO_SIZE   = 10
	NEGOTIATION_EXPORT_PADDING     = 124
)

var ErrNegotiation = errors.New("negotiation failed")

type NegotiationNewstyleHeader struct {
	OldstyleMagic  uint64
	OptionMagic    uint64
	HandshakeFlags uint16
}

type NegotiationOptionHeader struct {
	OptionMagic uint64
	ID          uint32
	Length      uint32
}

type NegotiationReplyHeader struct {
	ReplyMagic uint64
	ID         uint32
	Type       uint32
	Length     uint32
}

// ExportInfo is what the handshake tells the peer about the export. For
// kernel mounts it is the only source of the geometry and flags handed to
// the driver.
type ExportInfo struct {
	Size      uint64
	BlockSize uint32
	Flags     uint16
}

// NewExportInfo derives the transmission flags from the optional interfaces
// the backend implements.
func NewExportInfo(geo Geometry, backend Backend, readOnly bool) ExportInfo {
	flags := NEGOTIATION_REPLY_FLAGS_HAS_FLAGS

	if _, ok := backend.(Flusher); ok {
		flags |= NEGO_FLAG_SEND_FLUSH
	}

	if _, ok := backend.(Trimmer); ok && !readOnly {
		flags |= NEGO_FLAG_SEND_TRIM
	}

	if readOnly {
		flags |= NEGO_FLAG_READONLY
	}

	return ExportInfo{
		Size:      geo.Size(),
		BlockSize: geo.BlockSize,
		Flags:     flags,
	}
}

func (e ExportInfo) Has(flag uint16) bool {
	return e.Flags&flag != 0
}

func AppendGreeting(dst []byte, hdr NegotiationNewstyleHeader) []byte {
	dst = binary.BigEndian.AppendUint64(dst, hdr.OldstyleMagic)
	dst = binary.BigEndian.AppendUint64(dst, hdr.OptionMagic)
	return binary.BigEndian.AppendUint16(dst, hdr.HandshakeFlags)
}

func DecodeGreeting(b []byte) (NegotiationNewstyleHeader, error) {
	if len(b) < NEGOTIATION_GREETING_SIZE {
		return NegotiationNewstyleHeader{}, ErrIncompleteFrame
	}

	hdr := NegotiationNewstyleHeader{
		OldstyleMagic:  binary.BigEndian.Uint64(b[0:]),
		OptionMagic:    binary.BigEndian.Uint64(b[8:]),
		HandshakeFlags: binary.BigEndian.Uint16(b[16:]),
	}

	if hdr.OldstyleMagic != NEGOTIATION_MAGIC_OLDSTYLE || hdr.OptionMagic != NEGOTIATION_MAGIC_OPTION {
		return NegotiationNewstyleHeader{}, ErrInvalidMagic
	}

	return hdr, nil
}

func AppendOptionHeader(dst []byte, hdr NegotiationOptionHeader) []byte {
	dst = binary.BigEndian.AppendUint64(dst, NEGOTIATION_MAGIC_OPTION)
	dst = binary.BigEndian.AppendUint32(dst, hdr.ID)
	return binary.BigEndian.AppendUint32(dst, hdr.Length)
}

func DecodeOptionHeader(b []byte) (NegotiationOptionHeader, error) {
	if len(b) < NEGOTIATION_OPTION_HEADER_SIZE {
		return NegotiationOptionHeader{}, ErrIncompleteFrame
	}

	hdr := NegotiationOptionHeader{
		OptionMagic: binary.BigEndian.Uint64(b[0:]),
		ID:          binary.BigEndian.Uint32(b[8:]),
		Length:      binary.BigEndian.Uint32(b[12:]),
	}

	if hdr.OptionMagic != NEGOTIATION_MAGIC_OPTION {
		return NegotiationOptionHeader{}, ErrInvalidMagic
	}

	return hdr, nil
}

// AppendOptionReply encodes a reply header followed by data, filling in the
// length from data.
func AppendOptionReply(dst []byte, id, typ uint32, data []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, NEGOTIATION_MAGIC_REPLY)
	dst = binary.BigEndian.AppendUint32(dst, id)
	dst = binary.BigEndian.AppendUint32(dst, typ)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}

func DecodeOptionReply(b []byte) (NegotiationReplyHeader, []byte, error) {
	if len(b) < NEGOTIATION_REPLY_HEADER_SIZE {
		return NegotiationReplyHeader{}, nil, ErrIncompleteFrame
	}

	hdr := NegotiationReplyHeader{
		ReplyMagic: binary.BigEndian.Uint64(b[0:]),
		ID:         binary.BigEndian.Uint32(b[8:]),
		Type:       binary.BigEndian.Uint32(b[12:]),
		Length:     binary.BigEndian.Uint32(b[16:]),
	}

	if hdr.ReplyMagic != NEGOTIATION_MAGIC_REPLY {
		return NegotiationReplyHeader{}, nil, ErrInvalidMagic
	}

	end := NEGOTIATION_REPLY_HEADER_SIZE + int(hdr.Length)
	if len(b) < end {
		return NegotiationReplyHeader{}, nil, ErrIncompleteFrame
	}

	return hdr, b[NEGOTIATION_REPLY_HEADER_SIZE:end], nil
}

// AppendExportInfo encodes the reply to NBD_OPT_EXPORT_NAME: size, flags and,
// unless the client negotiated NO_ZEROES, the reserved padding.
func AppendExportInfo(dst []byte, info ExportInfo, noZeroes bool) []byte {
	dst = binary.BigEndian.AppendUint64(dst, info.Size)
	dst = binary.BigEndian.AppendUint16(dst, info.Flags)

	if !noZeroes {
		var pad [NEGOTIATION_EXPORT_PADDING]byte
		dst = append(dst, pad[:]...)
	}

	return dst
}

func DecodeExportInfo(b []byte) (ExportInfo, error) {
	if len(b) < NEGOTIATION_EXPORT_INFO_SIZE {
		return ExportInfo{}, ErrIncompleteFrame
	}

	return ExportInfo{
		Size:  binary.BigEndian.Uint64(b[0:]),
		Flags: binary.BigEndian.Uint16(b[8:]),
	}, nil
}

// appendInfoExport is the NBD_INFO_EXPORT payload of an NBD_REP_INFO reply.
func appendInfoExport(dst []byte, info ExportInfo) []byte {
	dst = binary.BigEndian.AppendUint16(dst, NEGOTIATION_TYPE_INFO_EXPORT)
	dst = binary.BigEndian.AppendUint64(dst, info.Size)
	return binary.BigEndian.AppendUint16(dst, info.Flags)
}

func appendInfoName(dst []byte, typ uint16, name string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, typ)
	return append(dst, name...)
}

func appendInfoBlockSize(dst []byte, min, preferred, max uint32) []byte {
	dst = binary.BigEndian.AppendUint16(dst, NEGOTIATION_TYPE_INFO_BLOCKSIZE)
	dst = binary.BigEndian.AppendUint32(dst, min)
	dst = binary.BigEndian.AppendUint32(dst, preferred)
	return binary.BigEndian.AppendUint32(dst, max)
}
