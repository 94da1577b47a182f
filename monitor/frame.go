package monitor

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/sigurn/crc16"
)

const (
	STX byte = 0x02
	ETX byte = 0x03
	ESC byte = 0x1B

	checksumLength = 2
)

// Request ops.
const (
	OpLoad  uint8 = 0x01
	OpStore uint8 = 0x02
)

// Reply statuses.
const (
	StatusOK         uint8 = 0x00
	StatusBadAddress uint8 = 0x01
	StatusBadOp      uint8 = 0x02
	StatusBadFrame   uint8 = 0x03
)

var (
	ErrChecksum = errors.New("frame checksum mismatch")
	ErrFrame    = errors.New("malformed frame")
)

var table = crc16.MakeTable(crc16.CRC16_ARC)

type request struct {
	Op    uint8
	Addr  uint32
	Value uint32
}

type reply struct {
	Status uint8
	Value  uint32
}

func escape(data []byte) []byte {
	var buf bytes.Buffer
	for _, b := range data {
		switch b {
		case STX, ETX, ESC:
			buf.WriteByte(ESC)
		}
		buf.WriteByte(b)
	}
	return buf.Bytes()
}

func checksum(data []byte) []byte {
	arr := make([]byte, checksumLength)
	binary.BigEndian.PutUint16(arr, crc16.Checksum(data, table))
	return arr
}

// pack frames a fixed-size message: big-endian body, CRC-16/ARC, escaped,
// between STX and ETX.
func pack(msg any) []byte {
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, msg)
	payload.Write(checksum(payload.Bytes()))

	var res bytes.Buffer
	res.WriteByte(STX)
	res.Write(escape(payload.Bytes()))
	res.WriteByte(ETX)
	return res.Bytes()
}

// unpack checks the trailing CRC of an unescaped frame body and decodes it
// into msg.
func unpack(p []byte, msg any) error {
	if len(p) != binary.Size(msg)+checksumLength {
		return ErrFrame
	}
	n := len(p) - checksumLength
	if !bytes.Equal(p[n:], checksum(p[:n])) {
		return ErrChecksum
	}
	return binary.Read(bytes.NewReader(p[:n]), binary.BigEndian, msg)
}

// readFrame returns the unescaped body of the next frame. Bytes before an
// STX are discarded; a second STX restarts the frame.
func readFrame(r io.ByteReader) ([]byte, error) {
	var buf bytes.Buffer
	started := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch b {
		case STX:
			buf.Reset()
			started = true
		case ETX:
			if started {
				return buf.Bytes(), nil
			}
		case ESC:
			if b, err = r.ReadByte(); err != nil {
				return nil, err
			}
			fallthrough
		default:
			if started {
				buf.WriteByte(b)
			}
		}
	}
}

func newReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}
