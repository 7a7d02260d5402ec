package types

import "sync/atomic"

type StatIntField interface {
	LoadInt() int
}

type StatInt32Field interface {
	Add(int32) int32
	Sub(int32) int32
	Store(int32)
	Load() int32
}

// StatInt32 is an atomic int32 counter satisfying both StatIntField and StatInt32Field.
type StatInt32 struct {
	val atomic.Int32
}

func (s *StatInt32) Add(delta int32) int32 {
	return s.val.Add(delta)
}

func (s *StatInt32) Sub(delta int32) int32 {
	return s.val.Add(-delta)
}

func (s *StatInt32) Incr() int32 {
	return s.val.Add(1)
}

func (s *StatInt32) Decr() int32 {
	return s.val.Add(-1)
}

func (s *StatInt32) Store(v int32) {
	s.val.Store(v)
}

func (s *StatInt32) Load() int32 {
	return s.val.Load()
}

func (s *StatInt32) LoadInt() int {
	return int(s.val.Load())
}
