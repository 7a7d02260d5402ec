package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentMap is a sharded HashMap backed by github.com/orcaman/concurrent-map.
type ConcurrentMap[K comparable, V any] struct {
	backend cmap.ConcurrentMap[string, V]
}

func NewConcurrentMap[V any](shards int) *ConcurrentMap[string, V] {
	cmap.SHARD_COUNT = shards
	return &ConcurrentMap[string, V]{
		backend: cmap.New[V](),
	}
}

func (m *ConcurrentMap[K, V]) Delete(key K) {
	m.backend.Remove(any(key).(string))
}

func (m *ConcurrentMap[K, V]) Load(key K) (ret V, ok bool) {
	return m.backend.Get(any(key).(string))
}

func (m *ConcurrentMap[K, V]) LoadAndDelete(key K) (retVal V, retExists bool) {
	m.backend.RemoveCb(any(key).(string), func(key string, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return true
	})
	return
}

func (m *ConcurrentMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	set := m.backend.SetIfAbsent(any(key).(string), value)
	if set {
		return value, false
	}
	return m.Load(key)
}

func (m *ConcurrentMap[K, V]) Range(cb func(K, V) bool) {
	next := true
	for item := range m.backend.IterBuffered() {
		if next {
			next = cb(any(item.Key).(K), item.Val)
		}
		// iterate over all items to drain the channel
	}
}

func (m *ConcurrentMap[K, V]) Store(key K, val V) {
	m.backend.Set(any(key).(string), val)
}

func (m *ConcurrentMap[K, V]) Len() int {
	return m.backend.Count()
}
