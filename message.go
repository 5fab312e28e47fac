// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import "time"

// Message field mask bits. A proxy selects the fields it wants mirrored
// with [*MessageProxy.SetMessageFields]; a mask of zero turns message
// mirroring off entirely.
const (
	MessageHasGenTimestamp uint32 = 1 << iota
	MessageHasTxTimestamp
	MessageHasRxTimestamp
	MessageHasPayload

	// MessageHasDefault mirrors every field.
	MessageHasDefault = MessageHasGenTimestamp | MessageHasTxTimestamp |
		MessageHasRxTimestamp | MessageHasPayload
)

// Message is one observed or injected application message. Zero
// timestamps mean the field is absent.
type Message struct {
	Dir           MessageDirection
	GenTime       time.Time
	TxTime        time.Time
	RxTime        time.Time
	Payload       []byte
	SerializeType string
}

// MessageHandler consumes one injected message.
type MessageHandler func(msg Message)

// record converts the message to its wire form, keeping only the
// fields selected by mask.
func (m *Message) record(mask uint32) MessageRecord {
	rec := MessageRecord{Dir: m.Dir}
	if mask&MessageHasGenTimestamp != 0 && !m.GenTime.IsZero() {
		rec.GenMicros = m.GenTime.UnixMicro()
	}
	if mask&MessageHasTxTimestamp != 0 && !m.TxTime.IsZero() {
		rec.TxMicros = m.TxTime.UnixMicro()
	}
	if mask&MessageHasRxTimestamp != 0 && !m.RxTime.IsZero() {
		rec.RxMicros = m.RxTime.UnixMicro()
	}
	if mask&MessageHasPayload != 0 {
		rec.Payload = m.Payload
		rec.SerializeType = m.SerializeType
	}
	return rec
}

// messageFromRecord converts the wire form back to a [Message].
func messageFromRecord(rec *MessageRecord) Message {
	msg := Message{
		Dir:           rec.Dir,
		Payload:       rec.Payload,
		SerializeType: rec.SerializeType,
	}
	if rec.GenMicros != 0 {
		msg.GenTime = time.UnixMicro(rec.GenMicros)
	}
	if rec.TxMicros != 0 {
		msg.TxTime = time.UnixMicro(rec.TxMicros)
	}
	if rec.RxMicros != 0 {
		msg.RxTime = time.UnixMicro(rec.RxMicros)
	}
	return msg
}
