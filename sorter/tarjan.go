package sorter

// tarjan returns the strongly connected component of every node and the
// number of components.
func tarjan(n int, edges [][]int) ([]int, int) {
	var (
		index   = 0
		ncomp   = 0
		indices = make([]int, n)
		low     = make([]int, n)
		onStack = make([]bool, n)
		comp    = make([]int, n)
		stack   []int
	)
	for i := range indices {
		indices[i] = -1
	}
	var connect func(v int)
	connect = func(v int) {
		indices[v], low[v] = index, index
		index++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range edges[v] {
			switch {
			case indices[w] < 0:
				connect(w)
				low[v] = min(low[v], low[w])
			case onStack[w]:
				low[v] = min(low[v], indices[w])
			}
		}
		if low[v] != indices[v] {
			return
		}
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp[w] = ncomp
			if w == v {
				break
			}
		}
		ncomp++
	}
	for v := range n {
		if indices[v] < 0 {
			connect(v)
		}
	}
	return comp, ncomp
}
