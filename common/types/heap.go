package types

type Comparable interface {
	// Compare compares the object with specified object.
	// Returns negative, 0, positive if the object is smaller than, equal to, or larger than specified object respectively.
	Compare(interface{}) float64
}

// HeapElement is implemented by anything that can be stored in a Heap.
// The element records its own index within the heap so that heap.Fix
// can be invoked after an in-place mutation (e.g., a score change).
type HeapElement interface {
	Comparable

	SetIdx(int)

	GetIdx() int

	String() string
}

// Heap is a min-heap of HeapElement, ordered by Compare.
// It implements the container/heap interface.
type Heap struct {
	Elements []HeapElement
}

func NewHeap() *Heap {
	return &Heap{
		Elements: make([]HeapElement, 0),
	}
}

func (h *Heap) Len() int {
	return len(h.Elements)
}

func (h *Heap) Less(i, j int) bool {
	return h.Elements[i].Compare(h.Elements[j]) < 0
}

func (h *Heap) Swap(i, j int) {
	h.Elements[i].SetIdx(j)
	h.Elements[j].SetIdx(i)

	h.Elements[i], h.Elements[j] = h.Elements[j], h.Elements[i]
}

func (h *Heap) Push(x interface{}) {
	x.(HeapElement).SetIdx(len(h.Elements))
	h.Elements = append(h.Elements, x.(HeapElement))
}

func (h *Heap) Pop() interface{} {
	old := h.Elements
	n := len(old)
	ret := old[n-1]
	old[n-1] = nil // avoid memory leak
	h.Elements = old[0 : n-1]

	return ret
}

func (h *Heap) Peek() HeapElement {
	if len(h.Elements) == 0 {
		return nil
	}
	return h.Elements[0]
}
