package htsp

import (
	"crypto/sha1"
	"net"
	"strconv"
	"sync/atomic"
)

// sequence hands out int32 numbers, wrapping from math.MaxInt32 to math.MinInt32.
type sequence struct {
	last atomic.Int32
}

func (s *sequence) Next() int32 {
	// Add relies on two's complement overflow to wrap.
	return s.last.Add(1)
}

func saltedDigest(password string, challenge []byte) []byte {
	h := sha1.New()
	h.Write([]byte(password))
	h.Write(challenge)
	return h.Sum(nil)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
