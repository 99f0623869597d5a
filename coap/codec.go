// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/takagi-works/takagi/pkg/errors"
)

// Codec failure kinds. Transports map these to RST (UDP) or ABORT (TCP).
var (
	// ErrShortMessage indicates a truncated header or frame.
	ErrShortMessage = errors.New("truncated coap message")

	// ErrBadVersion indicates a version field other than 1.
	ErrBadVersion = errors.New("unsupported coap version")

	// ErrMalformedMessage indicates bytes the codec rejected.
	ErrMalformedMessage = errors.New("malformed coap message")

	// ErrTooLarge indicates an option delta or length beyond 65804.
	ErrTooLarge = errors.New("option delta or length too large")
)

const (
	maxTokenLength = 8

	extendOneByte  = 13
	extendTwoBytes = 14
	reservedNibble = 15

	oneByteBias  = 13
	twoBytesBias = 269

	payloadMarker = 0xff
)

// Encode serializes the message for the UDP framing, RFC 7252 section 3.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Token) > maxTokenLength {
		return nil, errors.Wrap(ErrMalformedMessage, fmt.Errorf("token length %d", len(m.Token)))
	}
	opts, err := marshalOptions(m.Options)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 4+len(m.Token)+len(opts)+1+len(m.Payload))
	buf = append(buf, 1<<6|uint8(m.Type)<<4|uint8(len(m.Token)))
	buf = append(buf, uint8(m.Code))
	buf = binary.BigEndian.AppendUint16(buf, m.MessageID)
	buf = append(buf, m.Token...)
	buf = append(buf, opts...)
	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// Decode parses a UDP datagram into a message.
func Decode(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrShortMessage
	}
	version := data[0] >> 6
	if version != 1 {
		return nil, errors.Wrap(ErrBadVersion, fmt.Errorf("version %d", version))
	}
	tkl := int(data[0] & 0x0f)
	if tkl > maxTokenLength {
		return nil, errors.Wrap(ErrMalformedMessage, fmt.Errorf("token length %d", tkl))
	}
	if len(data) < 4+tkl {
		return nil, ErrShortMessage
	}

	m := &Message{
		Version:   version,
		Type:      Type(data[0] >> 4 & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
		Token:     append([]byte(nil), data[4:4+tkl]...),
		Transport: UDP,
	}

	opts, payload, err := unmarshalOptions(data[4+tkl:])
	if err != nil {
		return nil, err
	}
	m.Options = opts
	m.Payload = payload
	return m, nil
}

// marshalOptions emits options in ascending number order, keeping insertion
// order for repeated numbers, with delta and length nibble extensions.
func marshalOptions(options []Option) ([]byte, error) {
	opts := append([]Option(nil), options...)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })

	var buf []byte
	var prev uint32
	for _, o := range opts {
		delta := o.Number - prev
		length := uint32(len(o.Value))

		dn, dext, err := nibble(delta)
		if err != nil {
			return nil, err
		}
		ln, lext, err := nibble(length)
		if err != nil {
			return nil, err
		}

		buf = append(buf, dn<<4|ln)
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, o.Value...)
		prev = o.Number
	}
	return buf, nil
}

// nibble encodes an option delta or length into its 4-bit field plus
// extension bytes, RFC 7252 section 3.1.
func nibble(v uint32) (uint8, []byte, error) {
	switch {
	case v < extendOneByte:
		return uint8(v), nil, nil
	case v < twoBytesBias:
		return extendOneByte, []byte{uint8(v - oneByteBias)}, nil
	case v <= twoBytesBias+0xffff:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-twoBytesBias))
		return extendTwoBytes, ext, nil
	default:
		return 0, nil, errors.Wrap(ErrTooLarge, fmt.Errorf("value %d", v))
	}
}

// unmarshalOptions walks the option bytes up to the payload marker or the
// end of the buffer. A payload marker followed by nothing is a protocol
// error per RFC 7252 section 3.
func unmarshalOptions(data []byte) ([]Option, []byte, error) {
	var opts []Option
	var number uint32
	i := 0
	for i < len(data) {
		if data[i] == payloadMarker {
			if i+1 >= len(data) {
				return nil, nil, errors.Wrap(ErrMalformedMessage, fmt.Errorf("payload marker with empty payload"))
			}
			return opts, append([]byte(nil), data[i+1:]...), nil
		}

		dn := data[i] >> 4
		ln := data[i] & 0x0f
		i++

		delta, n, err := extend(dn, data[i:])
		if err != nil {
			return nil, nil, err
		}
		i += n
		length, n, err := extend(ln, data[i:])
		if err != nil {
			return nil, nil, err
		}
		i += n

		if i+int(length) > len(data) {
			return nil, nil, ErrShortMessage
		}
		number += delta
		opts = append(opts, Option{Number: number, Value: append([]byte(nil), data[i:i+int(length)]...)})
		i += int(length)
	}
	return opts, nil, nil
}

// extend resolves a delta or length nibble against its extension bytes and
// returns the value plus the number of extension bytes consumed.
func extend(n uint8, data []byte) (uint32, int, error) {
	switch n {
	case extendOneByte:
		if len(data) < 1 {
			return 0, 0, ErrShortMessage
		}
		return uint32(data[0]) + oneByteBias, 1, nil
	case extendTwoBytes:
		if len(data) < 2 {
			return 0, 0, ErrShortMessage
		}
		return uint32(binary.BigEndian.Uint16(data)) + twoBytesBias, 2, nil
	case reservedNibble:
		return 0, 0, errors.Wrap(ErrMalformedMessage, fmt.Errorf("reserved option nibble"))
	default:
		return uint32(n), 0, nil
	}
}
