package protocol

import (
	"errors"
	"fmt"

	"github.com/arena-project/arena/internal/bufpool"
)

var (
	// ErrStringTooLong is returned when a string field does not fit in its
	// 1-byte length field.
	ErrStringTooLong = errors.New("string exceeds 255 bytes")

	// ErrUnknownHeader is returned for a discriminant outside the known set.
	ErrUnknownHeader = errors.New("unknown packet header")

	// ErrSizeMismatch is returned when a buffer handed to Decode is not
	// exactly one packet long.
	ErrSizeMismatch = errors.New("packet size mismatch")

	// ErrShortPacket is returned when fewer bytes remain than the packet at
	// the cursor declares.
	ErrShortPacket = errors.New("truncated packet")
)

func validate(p Packet) error {
	switch v := p.(type) {
	case CreatePlayer:
		if len(v.Nickname) > MaxStringLen {
			return fmt.Errorf("create_player nickname (%d bytes): %w", len(v.Nickname), ErrStringTooLong)
		}
	case InitConnection:
		if len(v.MapName) > MaxStringLen {
			return fmt.Errorf("init_connection map name (%d bytes): %w", len(v.MapName), ErrStringTooLong)
		}
		if len(v.Nickname) > MaxStringLen {
			return fmt.Errorf("init_connection nickname (%d bytes): %w", len(v.Nickname), ErrStringTooLong)
		}
	case nil:
		return errors.New("nil packet")
	}
	return nil
}

// Encode serializes p into a buffer from pool whose used length is exactly
// p.Size(). The caller owns the returned buffer and must hand it back to the
// pool once sent.
func Encode(pool *bufpool.Pool, p Packet) (*bufpool.Buffer, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	buf, err := pool.GetBuffer(p.Size())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Header(), err)
	}

	b := &builder{buf: buf.Bytes()[:0]}
	p.appendTo(b)
	copy(buf.Bytes(), b.buf)
	return buf, nil
}

// Append serializes p onto the end of dst, for callers that batch several
// packets into one write.
func Append(dst []byte, p Packet) ([]byte, error) {
	if err := validate(p); err != nil {
		return dst, err
	}
	b := &builder{buf: dst}
	p.appendTo(b)
	return b.buf, nil
}

// Marshal returns the encoding of p in a freshly allocated slice.
func Marshal(p Packet) ([]byte, error) {
	if p == nil {
		return nil, validate(p)
	}
	return Append(make([]byte, 0, p.Size()), p)
}

// Decode parses data as exactly one packet. A buffer that is shorter or
// longer than the packet its header describes is rejected.
func Decode(data []byte) (Packet, error) {
	size, err := packetSize(data)
	if err != nil {
		return nil, err
	}
	if size != len(data) {
		return nil, fmt.Errorf("%s: want %d bytes, have %d: %w", Header(data[0]), size, len(data), ErrSizeMismatch)
	}
	return parse(data), nil
}

// DecodeNext parses the packet starting at *cursor and advances the cursor
// by exactly the bytes that packet occupies. On error the cursor is left
// untouched and the remainder of data must be discarded.
func DecodeNext(data []byte, cursor *int) (Packet, error) {
	if *cursor < 0 || *cursor > len(data) {
		return nil, fmt.Errorf("cursor %d outside %d-byte input: %w", *cursor, len(data), ErrShortPacket)
	}

	rest := data[*cursor:]
	size, err := packetSize(rest)
	if err != nil {
		return nil, err
	}
	if size > len(rest) {
		return nil, fmt.Errorf("%s at offset %d: want %d bytes, have %d: %w",
			Header(rest[0]), *cursor, size, len(rest), ErrShortPacket)
	}

	p := parse(rest[:size])
	*cursor += size
	return p, nil
}

// DecodeAll splits data into packets until the input is exhausted or a packet
// fails to decode. The packets decoded before the failure are returned
// together with the error; nothing after the failure point is interpreted.
func DecodeAll(data []byte) ([]Packet, error) {
	var (
		packets []Packet
		cursor  int
	)
	for cursor < len(data) {
		p, err := DecodeNext(data, &cursor)
		if err != nil {
			return packets, fmt.Errorf("decode at offset %d: %w", cursor, err)
		}
		packets = append(packets, p)
	}
	return packets, nil
}
