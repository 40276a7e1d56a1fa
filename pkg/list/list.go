package list

// List is a minimal generic doubly linked list. Unlike container/list,
// elements are allocated by the caller so that they can be reused.
type List[V any] struct {
	front, back *Elem[V]
	length      int
}

type Elem[V any] struct {
	prev, next *Elem[V]
	list       *List[V]

	Value V
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

// Next returns the next element or nil.
func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

// Prev returns the previous element or nil.
func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}

func New[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Front() *Elem[V] {
	return l.front
}

func (l *List[V]) Back() *Elem[V] {
	return l.back
}

func (l *List[V]) Len() int {
	return l.length
}

func (l *List[V]) PushBack(e *Elem[V]) *Elem[V] {
	if e.list != nil {
		panic("elem already belongs to a list")
	}
	l.length++
	e.list = l

	if l.back == nil {
		l.front = e
		l.back = e
		return e
	}

	e.prev = l.back
	l.back.next = e
	l.back = e
	return e
}

// MoveToBack moves an existing element to the back in O(1).
func (l *List[V]) MoveToBack(e *Elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	if l.back == e {
		return
	}

	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	// e is not the back, so n != nil.
	n.prev = p

	e.prev = l.back
	e.next = nil
	l.back.next = e
	l.back = e
}

func (l *List[V]) PopElem(e *Elem[V]) *Elem[V] {
	if e.list != l {
		panic("elem does not belong to this list")
	}

	l.length--
	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	if n != nil {
		n.prev = p
	} else {
		l.back = p
	}

	e.prev = nil
	e.next = nil
	e.list = nil
	return e
}
