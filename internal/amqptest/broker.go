// Package amqptest is a scripted AMQP 0-9-1 peer that takes a client through
// Connection.Open and nothing more.
package amqptest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
)

const (
	frameMethod = 1
	frameEnd    = 0xCE

	classConnection = 10

	methodStart   = 10
	methodStartOk = 11
	methodTune    = 30
	methodOpen    = 40
	methodOpenOk  = 41
	methodClose   = 50
	methodCloseOk = 51
)

// Broker is a handler for tlstest.Listen.
type Broker struct {
	// HangUpAfterOpen drops the socket right after Open-Ok, as a broker
	// that dies under an established connection would.
	HangUpAfterOpen bool
}

// Serve runs the connection handshake on conn. Without HangUpAfterOpen it
// answers Connection.Close and waits for the client to close the socket.
func (b Broker) Serve(conn net.Conn) {
	r := bufio.NewReader(conn)

	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return
	}
	if writeMethod(conn, methodStart, start()) != nil {
		return
	}

	for {
		typ, payload, err := readFrame(r)
		if err != nil {
			return
		}
		if typ != frameMethod || len(payload) < 4 {
			continue
		}
		if binary.BigEndian.Uint16(payload) != classConnection {
			continue
		}

		switch binary.BigEndian.Uint16(payload[2:]) {
		case methodStartOk:
			err = writeMethod(conn, methodTune, tune())
		case methodOpen:
			// reserved shortstr
			err = writeMethod(conn, methodOpenOk, []byte{0})
			if b.HangUpAfterOpen {
				return
			}
		case methodClose:
			err = writeMethod(conn, methodCloseOk, nil)
		}
		if err != nil {
			return
		}
	}
}

func start() []byte {
	var b bytes.Buffer
	b.WriteByte(0) // version major
	b.WriteByte(9) // version minor
	_ = binary.Write(&b, binary.BigEndian, uint32(0))
	writeLongstr(&b, "PLAIN AMQPLAIN")
	writeLongstr(&b, "en_US")
	return b.Bytes()
}

func tune() []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, uint16(2047))   // channel-max
	_ = binary.Write(&b, binary.BigEndian, uint32(131072)) // frame-max
	_ = binary.Write(&b, binary.BigEndian, uint16(0))      // heartbeat
	return b.Bytes()
}

func writeLongstr(b *bytes.Buffer, s string) {
	_ = binary.Write(b, binary.BigEndian, uint32(len(s)))
	b.WriteString(s)
}

func writeMethod(w io.Writer, method uint16, args []byte) error {
	var b bytes.Buffer
	b.WriteByte(frameMethod)
	_ = binary.Write(&b, binary.BigEndian, uint16(0))
	_ = binary.Write(&b, binary.BigEndian, uint32(4+len(args)))
	_ = binary.Write(&b, binary.BigEndian, uint16(classConnection))
	_ = binary.Write(&b, binary.BigEndian, method)
	b.Write(args)
	b.WriteByte(frameEnd)

	_, err := w.Write(b.Bytes())
	return err
}

func readFrame(r *bufio.Reader) (byte, []byte, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	payload := make([]byte, binary.BigEndian.Uint32(header[3:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	if _, err := r.ReadByte(); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}
