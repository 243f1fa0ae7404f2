// Package apdu builds and parses ISO 7816-4 command/response frames used
// when a share is delegated to a smartcard. Field naming (Cla/Ins/P1/P2,
// Sw1/Sw2) follows the scwallet secure-channel pattern referenced for this
// repo's channel package; this repo owns framing only, not PC/SC transport.
package apdu

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/xerrors"
)

const (
	sw1Ok      = 0x90
	sw2Ok      = 0x00
	maxShortLc = 255
)

// Command is one APDU command header plus its body.
type Command struct {
	Cla, Ins, P1, P2 byte
	Data             []byte
	// Le requests a response length; 0 means "none requested" and no Le
	// field is written, in short and extended form alike.
	Le int
}

// Build serialises cmd into wire bytes, choosing short-form (Lc/Le <= 255)
// or extended-length encoding as needed.
func Build(cla, ins, p1, p2 byte, data []byte) ([]byte, error) {
	return (&Command{Cla: cla, Ins: ins, P1: p1, P2: p2, Data: data}).Bytes()
}

func (c *Command) Bytes() ([]byte, error) {
	if len(c.Data) > 65535 {
		return nil, errors.New("apdu: command data too large")
	}
	buf := &bytes.Buffer{}
	buf.WriteByte(c.Cla)
	buf.WriteByte(c.Ins)
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	extended := len(c.Data) > maxShortLc || c.Le > maxShortLc
	switch {
	case len(c.Data) == 0:
		// Lc absent; only an Le may follow in extended/short form.
	case !extended:
		buf.WriteByte(byte(len(c.Data)))
		buf.Write(c.Data)
	default:
		buf.WriteByte(0x00)
		lc := make([]byte, 2)
		binary.BigEndian.PutUint16(lc, uint16(len(c.Data)))
		buf.Write(lc)
		buf.Write(c.Data)
	}
	if c.Le > 0 {
		if !extended {
			buf.WriteByte(byte(c.Le))
		} else {
			le := make([]byte, 2)
			binary.BigEndian.PutUint16(le, uint16(c.Le))
			buf.Write(le)
		}
	}
	return buf.Bytes(), nil
}

// Response is a parsed card reply: a status word plus any response data.
type Response struct {
	Data     []byte
	Sw1, Sw2 byte
}

// Parse splits resp into data and status, returning a xerrors.Error of
// kind card-error carrying the two status bytes when the status is not
// 0x9000.
func Parse(resp []byte) (*Response, error) {
	if len(resp) < 2 {
		return nil, xerrors.MalformedEnvelope(errors.New("apdu: response shorter than 2 bytes"))
	}
	r := &Response{
		Data: resp[:len(resp)-2],
		Sw1:  resp[len(resp)-2],
		Sw2:  resp[len(resp)-1],
	}
	if r.Sw1 != sw1Ok || r.Sw2 != sw2Ok {
		return r, xerrors.Card(r.Sw1, r.Sw2)
	}
	return r, nil
}
