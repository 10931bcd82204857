package nbd

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const maximumOptionLength = 64 * 1024

type ServeOptions struct {
	Name        string
	Description string
	ReadOnly    bool

	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32
}

// Serve runs the fixed newstyle handshake for a single export on conn and
// then serves requests until the client disconnects.
func Serve(log hclog.Logger, conn net.Conn, backend Backend, options *ServeOptions) error {
	if options == nil {
		options = &ServeOptions{}
	}

	log = log.Named("nbd")

	geo := GeometryOf(backend)
	if geo.BlockSize == 0 || geo.BlockSize&(geo.BlockSize-1) != 0 {
		return errors.Wrapf(ErrInvalidGeometry, "block size %d", geo.BlockSize)
	}

	info := NewExportInfo(geo, backend, options.ReadOnly)

	if options.MinimumBlockSize == 0 {
		options.MinimumBlockSize = 1
	}

	if options.PreferredBlockSize == 0 {
		options.PreferredBlockSize = info.BlockSize
	}

	if options.MaximumBlockSize == 0 {
		options.MaximumBlockSize = MaximumRequestSize
	}

	ok, err := negotiate(log, conn, info, options)
	if err != nil {
		return errors.Wrapf(err, "negotiating with %s", conn.RemoteAddr())
	}

	if !ok {
		return nil
	}

	log.Debug("entering transmission mode", "remote", conn.RemoteAddr())

	return newSession(log, conn, backend, info).serve()
}

// negotiate returns false if the client aborted.
func negotiate(log hclog.Logger, conn net.Conn, info ExportInfo, options *ServeOptions) (bool, error) {
	greeting := AppendGreeting(nil, NegotiationNewstyleHeader{
		OldstyleMagic:  NEGOTIATION_MAGIC_OLDSTYLE,
		OptionMagic:    NEGOTIATION_MAGIC_OPTION,
		HandshakeFlags: NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE | NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES,
	})

	if _, err := conn.Write(greeting); err != nil {
		return false, errors.Wrapf(err, "writing newstyle header")
	}

	var clientFlags uint32
	if err := binary.Read(conn, binary.BigEndian, &clientFlags); err != nil {
		return false, errors.Wrapf(err, "reading client flags")
	}

	log.Trace("client flags", "value", clientFlags)

	noZeroes := clientFlags&NEGOTIATION_CLIENT_FLAG_NO_ZEROES != 0

	hdr := make([]byte, NEGOTIATION_OPTION_HEADER_SIZE)

	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return false, errors.Wrapf(err, "reading option")
		}

		opt, err := DecodeOptionHeader(hdr)
		if err != nil {
			return false, err
		}

		if opt.Length > maximumOptionLength {
			return false, errors.Wrapf(ErrNegotiation, "option %d is %d bytes", opt.ID, opt.Length)
		}

		data := make([]byte, opt.Length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return false, errors.Wrapf(err, "reading option data")
		}

		log.Trace("negotiation option", "id", opt.ID, "len", opt.Length)

		var reply []byte

		switch opt.ID {
		case NEGOTIATION_ID_OPTION_EXPORT_NAME:
			if !matchExport(string(data), options) {
				// The protocol has no error reply for this option.
				return false, errors.Wrapf(ErrNegotiation, "no export named %q", data)
			}

			if _, err := conn.Write(AppendExportInfo(nil, info, noZeroes)); err != nil {
				return false, err
			}

			return true, nil
		case NEGOTIATION_ID_OPTION_INFO, NEGOTIATION_ID_OPTION_GO:
			name, err := parseInfoRequest(data)
			if err != nil {
				reply = AppendOptionReply(nil, opt.ID, NEGOTIATION_TYPE_REPLY_ERR_INVALID, nil)
				break
			}

			if !matchExport(name, options) {
				log.Error("no export found", "name", name)
				reply = AppendOptionReply(nil, opt.ID, NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN, nil)
				break
			}

			log.Debug("reporting device size", "size", info.Size, "flags", info.Flags)

			reply = AppendOptionReply(reply, opt.ID, NEGOTIATION_TYPE_REPLY_INFO, appendInfoExport(nil, info))
			reply = AppendOptionReply(reply, opt.ID, NEGOTIATION_TYPE_REPLY_INFO, appendInfoName(nil, NEGOTIATION_TYPE_INFO_NAME, options.Name))
			reply = AppendOptionReply(reply, opt.ID, NEGOTIATION_TYPE_REPLY_INFO, appendInfoName(nil, NEGOTIATION_TYPE_INFO_DESCRIPTION, options.Description))
			reply = AppendOptionReply(reply, opt.ID, NEGOTIATION_TYPE_REPLY_INFO, appendInfoBlockSize(nil,
				options.MinimumBlockSize, options.PreferredBlockSize, options.MaximumBlockSize))
			reply = AppendOptionReply(reply, opt.ID, NEGOTIATION_TYPE_REPLY_ACK, nil)

			if opt.ID == NEGOTIATION_ID_OPTION_GO {
				if _, err := conn.Write(reply); err != nil {
					return false, err
				}

				return true, nil
			}
		case NEGOTIATION_ID_OPTION_LIST:
			name := binary.BigEndian.AppendUint32(nil, uint32(len(options.Name)))
			name = append(name, options.Name...)

			reply = AppendOptionReply(reply, opt.ID, NEGOTIATION_TYPE_REPLY_SERVER, name)
			reply = AppendOptionReply(reply, opt.ID, NEGOTIATION_TYPE_REPLY_ACK, nil)
		case NEGOTIATION_ID_OPTION_ABORT:
			_, err := conn.Write(AppendOptionReply(nil, opt.ID, NEGOTIATION_TYPE_REPLY_ACK, nil))
			return false, err
		default:
			reply = AppendOptionReply(nil, opt.ID, NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED, nil)
		}

		if _, err := conn.Write(reply); err != nil {
			return false, err
		}
	}
}

// matchExport accepts the export's name and the empty default name.
func matchExport(name string, options *ServeOptions) bool {
	return name == "" || name == options.Name
}

func parseInfoRequest(data []byte) (string, error) {
	if len(data) < 4 {
		return "", ErrNegotiation
	}

	nameLen := binary.BigEndian.Uint32(data)
	data = data[4:]

	if uint64(len(data)) < uint64(nameLen)+2 {
		return "", ErrNegotiation
	}

	name := string(data[:nameLen])
	data = data[nameLen:]

	// The information requests themselves are ignored; every reply carries
	// all of them.
	count := binary.BigEndian.Uint16(data)
	if len(data)-2 != 2*int(count) {
		return "", ErrNegotiation
	}

	return name, nil
}
