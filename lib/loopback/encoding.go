package loopback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/samber/oops"

	"github.com/wireamqp/amqpmux/lib/amqp"
)

// Type codes for the loopback wire encoding. The encoding is a compact
// fixed-layout serialization used to meter frame sizes against the
// advertised max-frame-size; frames themselves cross the pipe as Go
// values.
const (
	codeBegin uint8 = iota + 1
	codeEnd
	codeAttach
	codeDetach
	codeFlow
	codeTransfer
	codeDisposition
)

func encodeBody(body amqp.FrameBody) ([]byte, error) {
	w := &frameWriter{}
	switch fr := body.(type) {
	case *amqp.Begin:
		w.u8(codeBegin)
		w.optU16(fr.RemoteChannel)
		w.u32(fr.NextOutgoingID)
		w.u32(fr.IncomingWindow)
		w.u32(fr.OutgoingWindow)
		w.u32(fr.HandleMax)
		w.strings(fr.OfferedCapabilities)
		w.strings(fr.DesiredCapabilities)
		w.properties(fr.Properties)
	case *amqp.End:
		w.u8(codeEnd)
		w.amqpError(fr.Error)
	case *amqp.Attach:
		w.u8(codeAttach)
		w.str(fr.Name)
		w.u32(fr.Handle)
		w.boolean(bool(fr.Role))
		w.optU8(fr.SndSettleMode)
		w.optU8(fr.RcvSettleMode)
		w.str(fr.Source)
		w.str(fr.Target)
		w.u32(fr.InitialDeliveryCount)
		w.u64(fr.MaxMessageSize)
		w.properties(fr.Properties)
	case *amqp.Detach:
		w.u8(codeDetach)
		w.u32(fr.Handle)
		w.boolean(fr.Closed)
		w.amqpError(fr.Error)
	case *amqp.Flow:
		w.u8(codeFlow)
		w.optU32(fr.NextIncomingID)
		w.u32(fr.IncomingWindow)
		w.u32(fr.NextOutgoingID)
		w.u32(fr.OutgoingWindow)
		w.optU32(fr.Handle)
		w.optU32(fr.DeliveryCount)
		w.optU32(fr.LinkCredit)
		w.optU32(fr.Available)
		w.boolean(fr.Drain)
		w.boolean(fr.Echo)
	case *amqp.Transfer:
		w.u8(codeTransfer)
		w.u32(fr.Handle)
		w.optU32(fr.DeliveryID)
		w.bin(fr.DeliveryTag)
		w.optU32(fr.MessageFormat)
		w.boolean(fr.Settled)
		w.boolean(fr.More)
		w.optU8(fr.RcvSettleMode)
		w.u8(uint8(fr.State))
		w.boolean(fr.Resume)
		w.boolean(fr.Aborted)
		w.boolean(fr.Batchable)
		// payload goes last so the encoded size of an empty-payload frame is
		// exactly the per-fragment overhead
		w.bin(fr.Payload)
	case *amqp.Disposition:
		w.u8(codeDisposition)
		w.boolean(bool(fr.Role))
		w.u32(fr.First)
		w.optU32(fr.Last)
		w.boolean(fr.Settled)
		w.u8(uint8(fr.State))
		w.boolean(fr.Batchable)
	default:
		return nil, oops.Errorf("unencodable frame body %T", body)
	}
	return w.buf.Bytes(), nil
}

type frameWriter struct {
	buf bytes.Buffer
}

func (w *frameWriter) u8(v uint8) { w.buf.WriteByte(v) }

func (w *frameWriter) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *frameWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *frameWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *frameWriter) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *frameWriter) optU8(v *uint8) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u8(*v)
}

func (w *frameWriter) optU16(v *uint16) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u16(*v)
}

func (w *frameWriter) optU32(v *uint32) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u32(*v)
}

func (w *frameWriter) bin(v []byte) {
	w.u32(uint32(len(v)))
	w.buf.Write(v)
}

func (w *frameWriter) str(v string) {
	w.u32(uint32(len(v)))
	w.buf.WriteString(v)
}

func (w *frameWriter) strings(v []string) {
	w.u32(uint32(len(v)))
	for _, s := range v {
		w.str(s)
	}
}

// properties flattens a map deterministically: sorted keys, values
// rendered as strings. Good enough for size metering.
func (w *frameWriter) properties(m map[string]interface{}) {
	w.u32(uint32(len(m)))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.str(k)
		w.str(fmt.Sprint(m[k]))
	}
}

func (w *frameWriter) amqpError(e *amqp.Error) {
	if e == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.str(string(e.Condition))
	w.str(e.Description)
	w.properties(e.Info)
}
