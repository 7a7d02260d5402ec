package hashmap

import (
	"reflect"

	"github.com/zhangjyr/hashmap"
)

// CornelkMap is a lock-free HashMap backed by github.com/zhangjyr/hashmap.
type CornelkMap[K any, V any] struct {
	hashmap   *hashmap.HashMap
	stringKey bool
}

func NewCornelkMap[K any, V any](size int) *CornelkMap[K, V] {
	var key K
	return &CornelkMap[K, V]{
		stringKey: reflect.TypeOf(key).Kind() == reflect.String,
		hashmap:   hashmap.New((uintptr)(size)),
	}
}

func (m *CornelkMap[K, V]) Delete(key K) {
	m.hashmap.Del(key)
}

func (m *CornelkMap[K, V]) Load(key K) (ret V, ok bool) {
	v, ok := m.get(key)
	if v != nil {
		ret, ok = v.(V)
	}
	return ret, ok
}

func (m *CornelkMap[K, V]) LoadAndDelete(key K) (ret V, exists bool) {
	v, exists := m.get(key)
	if !exists {
		return ret, false
	}

	if v != nil {
		ret = v.(V)
	}
	m.hashmap.Del(key)
	return ret, true
}

func (m *CornelkMap[K, V]) LoadOrStore(key K, value V) (ret V, loaded bool) {
	actual, loaded := m.hashmap.GetOrInsert(key, value)
	if actual != nil {
		ret = actual.(V)
	}
	return ret, loaded
}

func (m *CornelkMap[K, V]) Range(cb func(K, V) bool) {
	next := true
	for item := range m.hashmap.Iter() {
		if next {
			v, _ := item.Value.(V)
			next = cb(item.Key.(K), v)
		}
		// iterate over all items to drain the channel
	}
}

func (m *CornelkMap[K, V]) Store(key K, val V) {
	m.hashmap.Set(key, val)
}

func (m *CornelkMap[K, V]) Len() int {
	return m.hashmap.Len()
}

func (m *CornelkMap[K, V]) get(key K) (interface{}, bool) {
	if m.stringKey {
		return m.hashmap.GetStringKey(m.assertString(key))
	}
	return m.hashmap.Get(key)
}

func (m *CornelkMap[K, V]) assertString(str interface{}) string {
	return str.(string)
}
