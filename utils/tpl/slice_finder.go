package tpl

// SliceFinder is a set built from slices.
type SliceFinder[T comparable] struct {
	Data map[T]bool
}

func NewSliceFinder[T comparable](s ...[]T) *SliceFinder[T] {
	ret := new(SliceFinder[T])
	ret.Data = make(map[T]bool)
	for _, v := range s {
		ret.Add(v)
	}
	return ret
}

func (f *SliceFinder[T]) Add(v []T) {
	for _, e := range v {
		f.Data[e] = true
	}
}

func (f *SliceFinder[T]) Remove(v []T) {
	for _, e := range v {
		delete(f.Data, e)
	}
}

func (f *SliceFinder[T]) Find(v T) bool {
	return f.Data[v]
}

func (f *SliceFinder[T]) Len() int {
	return len(f.Data)
}
