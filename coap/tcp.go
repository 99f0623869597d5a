// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/takagi-works/takagi/pkg/errors"
)

// RFC 8323 section 3.2: the message length field counts options plus the
// payload marker and payload; the code byte and the token are excluded.
const fourBytesBias = 65805

// EncodeTCP serializes the message for the TCP framing, RFC 8323
// section 3.2. Version, type and message ID are not present on the wire.
func (m *Message) EncodeTCP() ([]byte, error) {
	if len(m.Token) > maxTokenLength {
		return nil, errors.Wrap(ErrMalformedMessage, fmt.Errorf("token length %d", len(m.Token)))
	}
	opts, err := marshalOptions(m.Options)
	if err != nil {
		return nil, err
	}

	body := opts
	if len(m.Payload) > 0 {
		body = append(body, payloadMarker)
		body = append(body, m.Payload...)
	}

	length := uint32(len(body))
	var ln uint8
	var ext []byte
	switch {
	case length < extendOneByte:
		ln = uint8(length)
	case length < twoBytesBias:
		ln = extendOneByte
		ext = []byte{uint8(length - oneByteBias)}
	case length < fourBytesBias:
		ln = extendTwoBytes
		ext = make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(length-twoBytesBias))
	default:
		ln = reservedNibble
		ext = make([]byte, 4)
		binary.BigEndian.PutUint32(ext, length-fourBytesBias)
	}

	buf := make([]byte, 0, 1+len(ext)+1+len(m.Token)+len(body))
	buf = append(buf, ln<<4|uint8(len(m.Token)))
	buf = append(buf, ext...)
	buf = append(buf, uint8(m.Code))
	buf = append(buf, m.Token...)
	buf = append(buf, body...)
	return buf, nil
}

// DecodeTCP parses one complete TCP frame from the buffer.
func DecodeTCP(data []byte) (*Message, error) {
	if len(data) < 2 {
		return nil, ErrShortMessage
	}
	ln := data[0] >> 4
	tkl := int(data[0] & 0x0f)
	if tkl > maxTokenLength {
		return nil, errors.Wrap(ErrMalformedMessage, fmt.Errorf("token length %d", tkl))
	}

	i := 1
	length, n, err := extendTCP(ln, data[i:])
	if err != nil {
		return nil, err
	}
	i += n

	if len(data) < i+1+tkl+int(length) {
		return nil, ErrShortMessage
	}

	m := &Message{
		Code:      Code(data[i]),
		Token:     append([]byte(nil), data[i+1:i+1+tkl]...),
		Transport: TCP,
	}
	opts, payload, err := unmarshalOptions(data[i+1+tkl : i+1+tkl+int(length)])
	if err != nil {
		return nil, err
	}
	m.Options = opts
	m.Payload = payload
	return m, nil
}

// ReadFrame reads exactly one TCP frame from the reader and decodes it.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	ln := hdr[0] >> 4
	tkl := int(hdr[0] & 0x0f)

	var extLen int
	switch ln {
	case extendOneByte:
		extLen = 1
	case extendTwoBytes:
		extLen = 2
	case reservedNibble:
		extLen = 4
	}

	frame := make([]byte, 1, 1+extLen)
	frame[0] = hdr[0]
	if extLen > 0 {
		ext := make([]byte, extLen)
		if _, err := io.ReadFull(r, ext); err != nil {
			return nil, errors.Wrap(ErrShortMessage, err)
		}
		frame = append(frame, ext...)
	}

	length, _, err := extendTCP(ln, frame[1:])
	if err != nil {
		return nil, err
	}

	rest := make([]byte, 1+tkl+int(length))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(ErrShortMessage, err)
	}
	return DecodeTCP(append(frame, rest...))
}

// extendTCP resolves the TCP length nibble, which unlike the option nibbles
// uses 15 for a four-byte extension.
func extendTCP(n uint8, data []byte) (uint32, int, error) {
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
		if len(data) < 4 {
			return 0, 0, ErrShortMessage
		}
		return binary.BigEndian.Uint32(data) + fourBytesBias, 4, nil
	default:
		return uint32(n), 0, nil
	}
}
