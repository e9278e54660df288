package utils

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// Digest is an order-sensitive fingerprint over a sequence of records.
// Each record is length-prefixed so that ["ab","c"] and ["a","bc"] differ.
type Digest struct {
	h     hash.Hash
	count int
}

func NewDigest() *Digest {
	return &Digest{h: md5.New()}
}

func (d *Digest) Add(record []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(record)))
	d.h.Write(prefix[:])
	d.h.Write(record)
	d.count++
}

func (d *Digest) Count() int {
	return d.count
}

func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
