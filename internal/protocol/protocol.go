// The host and the service talk over a pair of byte streams using this
// protocol. It's a small binary format made of primitives plus nested arrays
// and maps. Every request gets exactly one response because the other end is
// waiting for it.
//
// A packet is a little-endian uint32 length followed by that many bytes: a
// uint32 holding "id << 1 | isResponse" and then one encoded value.

package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	tagNil byte = iota
	tagBool
	tagInt
	tagString
	tagBytes
	tagArray
	tagMap
)

func ReadUint32(bytes []byte) (value uint32, leftOver []byte, ok bool) {
	if len(bytes) >= 4 {
		return binary.LittleEndian.Uint32(bytes), bytes[4:], true
	}

	return 0, bytes, false
}

func WriteUint32(bytes []byte, value uint32) []byte {
	bytes = append(bytes, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(bytes[len(bytes)-4:], value)
	return bytes
}

func ReadLengthPrefixedSlice(bytes []byte) (slice []byte, leftOver []byte, ok bool) {
	if length, afterLength, ok := ReadUint32(bytes); ok && uint(len(afterLength)) >= uint(length) {
		return afterLength[:length], afterLength[length:], true
	}

	return []byte{}, bytes, false
}

type Packet struct {
	ID        uint32
	IsRequest bool
	Value     interface{}
}

// EncodePacket returns the packet including its length prefix. Ints must fit
// in 32 bits. Map keys are written in sorted order so the encoding of a value
// is deterministic.
func EncodePacket(p Packet) ([]byte, error) {
	var visit func(interface{}) error
	var bytes []byte

	visit = func(value interface{}) error {
		switch v := value.(type) {
		case nil:
			bytes = append(bytes, tagNil)

		case bool:
			n := uint8(0)
			if v {
				n = 1
			}
			bytes = append(bytes, tagBool, n)

		case int:
			bytes = append(bytes, tagInt)
			bytes = WriteUint32(bytes, uint32(v))

		case string:
			bytes = append(bytes, tagString)
			bytes = WriteUint32(bytes, uint32(len(v)))
			bytes = append(bytes, v...)

		case []byte:
			bytes = append(bytes, tagBytes)
			bytes = WriteUint32(bytes, uint32(len(v)))
			bytes = append(bytes, v...)

		case []interface{}:
			bytes = append(bytes, tagArray)
			bytes = WriteUint32(bytes, uint32(len(v)))
			for _, item := range v {
				if err := visit(item); err != nil {
					return err
				}
			}

		case []string:
			bytes = append(bytes, tagArray)
			bytes = WriteUint32(bytes, uint32(len(v)))
			for _, item := range v {
				bytes = append(bytes, tagString)
				bytes = WriteUint32(bytes, uint32(len(item)))
				bytes = append(bytes, item...)
			}

		case map[string]interface{}:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			bytes = append(bytes, tagMap)
			bytes = WriteUint32(bytes, uint32(len(keys)))
			for _, k := range keys {
				bytes = WriteUint32(bytes, uint32(len(k)))
				bytes = append(bytes, k...)
				if err := visit(v[k]); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("Cannot encode a value of type %T", value)
		}
		return nil
	}

	bytes = WriteUint32(bytes, 0) // Reserve space for the length
	if p.IsRequest {
		bytes = WriteUint32(bytes, p.ID<<1)
	} else {
		bytes = WriteUint32(bytes, (p.ID<<1)|1)
	}
	if err := visit(p.Value); err != nil {
		return nil, err
	}
	WriteUint32(bytes[:0], uint32(len(bytes)-4)) // Patch the length in
	return bytes, nil
}

// DecodePacket decodes the contents of a packet without its length prefix.
// It returns false for truncated or otherwise malformed input.
func DecodePacket(bytes []byte) (Packet, bool) {
	var visit func() (interface{}, bool)

	visit = func() (interface{}, bool) {
		if len(bytes) == 0 {
			return nil, false
		}
		kind := bytes[0]
		bytes = bytes[1:]

		switch kind {
		case tagNil:
			return nil, true

		case tagBool:
			if len(bytes) == 0 {
				return nil, false
			}
			value := bytes[0]
			bytes = bytes[1:]
			return value != 0, true

		case tagInt:
			value, next, ok := ReadUint32(bytes)
			if !ok {
				return nil, false
			}
			bytes = next
			return int(value), true

		case tagString:
			value, next, ok := ReadLengthPrefixedSlice(bytes)
			if !ok {
				return nil, false
			}
			bytes = next
			return string(value), true

		case tagBytes:
			value, next, ok := ReadLengthPrefixedSlice(bytes)
			if !ok {
				return nil, false
			}
			bytes = next
			return append([]byte{}, value...), true

		case tagArray:
			count, next, ok := ReadUint32(bytes)
			if !ok || uint(count) > uint(len(next)) {
				return nil, false
			}
			bytes = next
			value := make([]interface{}, count)
			for i := range value {
				item, ok := visit()
				if !ok {
					return nil, false
				}
				value[i] = item
			}
			return value, true

		case tagMap:
			count, next, ok := ReadUint32(bytes)
			if !ok || uint(count) > uint(len(next)) {
				return nil, false
			}
			bytes = next
			value := make(map[string]interface{}, count)
			for i := uint32(0); i < count; i++ {
				key, next, ok := ReadLengthPrefixedSlice(bytes)
				if !ok {
					return nil, false
				}
				bytes = next
				item, ok := visit()
				if !ok {
					return nil, false
				}
				value[string(key)] = item
			}
			return value, true

		default:
			return nil, false
		}
	}

	id, bytes, ok := ReadUint32(bytes)
	if !ok {
		return Packet{}, false
	}
	isRequest := (id & 1) == 0
	id >>= 1
	value, ok := visit()
	if !ok || len(bytes) != 0 {
		return Packet{}, false
	}
	return Packet{ID: id, IsRequest: isRequest, Value: value}, true
}
