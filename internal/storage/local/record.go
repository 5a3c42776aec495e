package local

import (
	"encoding/binary"
	"fmt"
)

// Records are stored as a compact binary envelope so the index value can be
// recovered on overwrite without decoding the payload:
//
//	[version  : 1 byte            ]
//	[indexLen : 2 bytes, uint16   ]
//	[index    : indexLen bytes    ]
//	[value    : remaining bytes   ]
const recordVersion = 1

const recordHeader = 1 + 2

func encodeRecord(index string, value []byte) []byte {
	buf := make([]byte, recordHeader+len(index)+len(value))
	buf[0] = recordVersion
	binary.BigEndian.PutUint16(buf[1:], uint16(len(index)))
	copy(buf[recordHeader:], index)
	copy(buf[recordHeader+len(index):], value)
	return buf
}

// decodeRecord returns slices aliasing buf.
func decodeRecord(buf []byte) (index string, value []byte, err error) {
	if len(buf) < recordHeader {
		return "", nil, fmt.Errorf("local: record too short (%d bytes)", len(buf))
	}
	if buf[0] != recordVersion {
		return "", nil, fmt.Errorf("local: unsupported record version %d", buf[0])
	}
	n := int(binary.BigEndian.Uint16(buf[1:]))
	if n > len(buf)-recordHeader {
		return "", nil, fmt.Errorf("local: index length %d exceeds buffer", n)
	}
	return string(buf[recordHeader : recordHeader+n]), buf[recordHeader+n:], nil
}
