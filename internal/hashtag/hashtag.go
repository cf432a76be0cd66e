// Package hashtag maps keys to cluster hash slots.
package hashtag

import "strings"

// SlotNumber is the size of the cluster keyspace.
const SlotNumber = 16384

var crc16tab [256]uint16

func init() {
	// CRC16/XMODEM, polynomial 0x1021.
	for i := range crc16tab {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16tab[i] = crc
	}
}

// Key returns the part of the key that is hashed: the content of the
// first non-empty {...} section, or the whole key.
func Key(key string) string {
	if s := strings.IndexByte(key, '{'); s > -1 {
		if e := strings.IndexByte(key[s+1:], '}'); e > 0 {
			return key[s+1 : s+e+1]
		}
	}
	return key
}

// Slot returns the slot of the key. The empty key maps to slot 0.
func Slot(key string) int {
	if key == "" {
		return 0
	}
	return int(crc16sum(Key(key))) % SlotNumber
}

func crc16sum(key string) (crc uint16) {
	for i := 0; i < len(key); i++ {
		crc = (crc << 8) ^ crc16tab[(byte(crc>>8)^key[i])&0x00ff]
	}
	return crc
}
