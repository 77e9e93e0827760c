package transport

import "sync/atomic"

// SeqGen numbers critical messages. It is shared by every goroutine that
// sends through an Endpoint, so all operations are atomic.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number (monotonically increasing from 1,
// skipping 0 on wrap since 0 means "not critical").
func (s *SeqGen) Next() uint32 {
	for {
		if n := s.val.Add(1); n != 0 {
			return n
		}
	}
}
