package tpl

import (
	"sort"
	"sync"
)

// SafeMap is a typed sync.Map, the zero value is ready to use.
type SafeMap[K comparable, V any] struct {
	data sync.Map
}

func (m *SafeMap[K, V]) Len() int {
	n := 0
	m.data.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *SafeMap[K, V]) Get(k K) (V, bool) {
	ret, ok := m.data.Load(k)
	if !ok {
		var tmp V
		return tmp, false
	}
	return ret.(V), true
}

func (m *SafeMap[K, V]) Set(k K, v V) {
	m.data.Store(k, v)
}

// SetIfAbsent stores v if k is absent. It returns the value now held and
// whether it was already present.
func (m *SafeMap[K, V]) SetIfAbsent(k K, v V) (V, bool) {
	ret, ok := m.data.LoadOrStore(k, v)
	return ret.(V), ok
}

// Pop deletes k and returns the value it held.
func (m *SafeMap[K, V]) Pop(k K) (V, bool) {
	ret, ok := m.data.LoadAndDelete(k)
	if !ok {
		var tmp V
		return tmp, false
	}
	return ret.(V), true
}

func (m *SafeMap[K, V]) Delete(k K) {
	m.data.Delete(k)
}

func (m *SafeMap[K, V]) Has(k K) bool {
	_, ok := m.data.Load(k)
	return ok
}

func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.data.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

func (m *SafeMap[K, V]) Keys() []K {
	var ret []K
	m.Range(func(k K, v V) bool {
		ret = append(ret, k)
		return true
	})
	return ret
}

func (m *SafeMap[K, V]) Values() []V {
	var ret []V
	m.Range(func(k K, v V) bool {
		ret = append(ret, v)
		return true
	})
	return ret
}

func (m *SafeMap[K, V]) Map() map[K]V {
	ret := make(map[K]V)
	m.Range(func(k K, v V) bool {
		ret[k] = v
		return true
	})
	return ret
}

// SortValue returns all values ordered by less.
func (m *SafeMap[K, V]) SortValue(less func(a, b V) bool) []V {
	ret := m.Values()
	sort.SliceStable(ret, func(i, j int) bool {
		return less(ret[i], ret[j])
	})
	return ret
}
