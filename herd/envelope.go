package herd

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the tuple stored under every managed key.
//
// Wire form is a msgpack array of length 2 or 3:
//
//	[processing, soft_expiry]         lock placeholder
//	[processing, soft_expiry, value]  valued envelope
//
// processing=true means some caller has claimed the right to
// recompute; otherwise the value field is authoritative. soft_expiry
// is an absolute Unix timestamp in (possibly fractional) seconds at
// which this layer considers the value stale — always earlier than
// the Memcached-level TTL on the entry, so a soft-expired entry stays
// in the store for a caller to re-lock with gets+cas.
//
// The value element is kept as raw msgpack so the coordinator can
// round-trip payloads without knowing their type.
type envelope struct {
	processing bool
	softExpiry float64
	value      msgpack.RawMessage
	hasValue   bool
}

var (
	_ msgpack.CustomEncoder = (*envelope)(nil)
	_ msgpack.CustomDecoder = (*envelope)(nil)
)

// placeholderEnvelope marks a recomputation lock: processing set, soft
// expiry zero, no value. It is written both on first insertion (via
// add) and on re-lock (via cas).
func placeholderEnvelope() *envelope {
	return &envelope{processing: true}
}

// valuedEnvelope wraps a computed payload with its soft expiry.
func valuedEnvelope(softExpiry float64, value msgpack.RawMessage) *envelope {
	return &envelope{softExpiry: softExpiry, value: value, hasValue: true}
}

// fresh reports whether the envelope's soft expiry is still ahead of
// now (Unix seconds).
func (e *envelope) fresh(now float64) bool { return e.softExpiry > now }

// EncodeMsgpack implements msgpack.CustomEncoder.
func (e *envelope) EncodeMsgpack(enc *msgpack.Encoder) error {
	n := 2
	if e.hasValue {
		n = 3
	}
	if err := enc.EncodeArrayLen(n); err != nil {
		return err
	}
	if err := enc.EncodeBool(e.processing); err != nil {
		return err
	}
	if err := enc.EncodeFloat64(e.softExpiry); err != nil {
		return err
	}
	if e.hasValue {
		return enc.Encode(e.value)
	}
	return nil
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (e *envelope) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 && n != 3 {
		return fmt.Errorf("herd: envelope has %d fields, want 2 or 3", n)
	}
	if e.processing, err = dec.DecodeBool(); err != nil {
		return err
	}
	if e.softExpiry, err = dec.DecodeFloat64(); err != nil {
		return err
	}
	if n == 3 {
		if err := dec.Decode(&e.value); err != nil {
			return err
		}
		e.hasValue = true
	} else {
		e.value = nil
		e.hasValue = false
	}
	return nil
}

// encodeEnvelope marshals an envelope to its wire form.
func encodeEnvelope(e *envelope) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("herd: encode envelope: %w", err)
	}
	return b, nil
}

// decodeEnvelope unmarshals an envelope read from the store.
func decodeEnvelope(b []byte) (*envelope, error) {
	var e envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("herd: decode envelope: %w", err)
	}
	return &e, nil
}

// encodeValue marshals a caller payload into the raw value element.
func encodeValue(v any) (msgpack.RawMessage, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("herd: encode value: %w", err)
	}
	return msgpack.RawMessage(b), nil
}

// decodeValue unmarshals the raw value element into the caller type.
func decodeValue[V any](raw msgpack.RawMessage) (V, error) {
	var v V
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("herd: decode value: %w", err)
	}
	return v, nil
}
