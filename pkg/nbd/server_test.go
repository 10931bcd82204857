package nbd

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type client struct {
	t    *testing.T
	conn net.Conn
}

func (c *client) read(n int) []byte {
	c.t.Helper()

	b := make([]byte, n)
	_, err := io.ReadFull(c.conn, b)
	require.NoError(c.t, err)

	return b
}

func (c *client) write(b []byte) {
	c.t.Helper()

	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *client) hello(flags uint32) {
	c.t.Helper()

	hdr, err := DecodeGreeting(c.read(NEGOTIATION_GREETING_SIZE))
	require.NoError(c.t, err)
	require.NotZero(c.t, hdr.HandshakeFlags&NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE)

	c.write(binary.BigEndian.AppendUint32(nil, flags))
}

func (c *client) option(id uint32, data []byte) {
	c.t.Helper()

	b := AppendOptionHeader(nil, NegotiationOptionHeader{ID: id, Length: uint32(len(data))})
	c.write(append(b, data...))
}

func (c *client) optionReply() (NegotiationReplyHeader, []byte) {
	c.t.Helper()

	hdr := c.read(NEGOTIATION_REPLY_HEADER_SIZE)
	length := binary.BigEndian.Uint32(hdr[16:])

	rep, data, err := DecodeOptionReply(append(hdr, c.read(int(length))...))
	require.NoError(c.t, err)

	return rep, data
}

func infoRequest(name string) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(name)))
	b = append(b, name...)
	return binary.BigEndian.AppendUint16(b, 0)
}

func startServe(t *testing.T, backend Backend, opts *ServeOptions) (*client, chan error) {
	server, conn := socketPair(t)

	done := make(chan error, 1)
	go func() {
		done <- Serve(testLogger(), server, backend, opts)
		server.Close()
	}()

	return &client{t: t, conn: conn}, done
}

func TestServe(t *testing.T) {
	t.Run("export name enters transmission", func(t *testing.T) {
		r := require.New(t)

		c, done := startServe(t, &deadbeef{}, &ServeOptions{Name: "disk"})

		c.hello(NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE)
		c.option(NEGOTIATION_ID_OPTION_EXPORT_NAME, []byte("disk"))

		info, err := DecodeExportInfo(c.read(NEGOTIATION_EXPORT_INFO_SIZE + NEGOTIATION_EXPORT_PADDING))
		r.NoError(err)
		r.Equal(uint64(1024*4096), info.Size)

		rep := roundTrip(t, c.conn, Request{Type: CmdRead, Handle: 3, Offset: 2, Length: 4})
		r.Equal([]byte{0xBE, 0xEF, 0xDE, 0xAD}, rep.Payload)

		c.write(AppendRequest(nil, Request{Type: CmdDisconnect}))
		r.NoError(<-done)
	})

	t.Run("go reports the export and enters transmission", func(t *testing.T) {
		r := require.New(t)

		c, done := startServe(t, newRamdisk(8192), &ServeOptions{Name: "disk", Description: "ram"})

		c.hello(NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE | NEGOTIATION_CLIENT_FLAG_NO_ZEROES)

		c.option(NEGOTIATION_ID_OPTION_LIST, nil)

		rep, data := c.optionReply()
		r.Equal(NEGOTIATION_TYPE_REPLY_SERVER, rep.Type)
		r.Equal(uint32(4), binary.BigEndian.Uint32(data))
		r.Equal("disk", string(data[4:]))

		rep, _ = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_REPLY_ACK, rep.Type)

		c.option(NEGOTIATION_ID_OPTION_GO, infoRequest("disk"))

		rep, data = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_REPLY_INFO, rep.Type)
		r.Equal(NEGOTIATION_TYPE_INFO_EXPORT, binary.BigEndian.Uint16(data))
		r.Equal(uint64(8192), binary.BigEndian.Uint64(data[2:]))

		flags := binary.BigEndian.Uint16(data[10:])
		r.NotZero(flags & NEGO_FLAG_SEND_FLUSH)
		r.NotZero(flags & NEGO_FLAG_SEND_TRIM)

		rep, data = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_INFO_NAME, binary.BigEndian.Uint16(data))
		r.Equal("disk", string(data[2:]))

		rep, data = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_INFO_DESCRIPTION, binary.BigEndian.Uint16(data))
		r.Equal("ram", string(data[2:]))

		rep, data = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_INFO_BLOCKSIZE, binary.BigEndian.Uint16(data))
		r.Equal(uint32(512), binary.BigEndian.Uint32(data[6:]))

		rep, _ = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_REPLY_ACK, rep.Type)

		w := roundTrip(t, c.conn, Request{Type: CmdWrite, Handle: 1, Offset: 512, Payload: []byte("hello")})
		r.Zero(w.Error)

		rd := roundTrip(t, c.conn, Request{Type: CmdRead, Handle: 2, Offset: 512, Length: 5})
		r.Equal("hello", string(rd.Payload))

		c.conn.Close()
		r.NoError(<-done)
	})

	t.Run("unknown exports and options are refused", func(t *testing.T) {
		r := require.New(t)

		c, done := startServe(t, &deadbeef{}, &ServeOptions{Name: "disk"})

		c.hello(NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE)

		c.option(NEGOTIATION_ID_OPTION_INFO, infoRequest("other"))
		rep, _ := c.optionReply()
		r.Equal(NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN, rep.Type)

		c.option(42, []byte("junk"))
		rep, _ = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED, rep.Type)

		c.option(NEGOTIATION_ID_OPTION_INFO, []byte{0, 0})
		rep, _ = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_REPLY_ERR_INVALID, rep.Type)

		c.option(NEGOTIATION_ID_OPTION_ABORT, nil)
		rep, _ = c.optionReply()
		r.Equal(NEGOTIATION_TYPE_REPLY_ACK, rep.Type)

		r.NoError(<-done)
	})

	t.Run("a wrong export name closes the connection", func(t *testing.T) {
		r := require.New(t)

		c, done := startServe(t, &deadbeef{}, &ServeOptions{Name: "disk"})

		c.hello(NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE)
		c.option(NEGOTIATION_ID_OPTION_EXPORT_NAME, []byte("other"))

		r.ErrorIs(<-done, ErrNegotiation)
	})
}
