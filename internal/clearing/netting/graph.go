package netting

import "github.com/shopspring/decimal"

// graph is a small directed-edge-weighted adjacency index over banks,
// identified by a small integer allocated on insertion rather than the
// string bank id directly, per the Design Notes on graph algorithms. The
// string table is kept alongside so callers can translate back.
type graph struct {
	nodeIndex map[string]int
	nodeNames []string
	adj       [][]edge
}

type edge struct {
	to     int
	weight decimal.Decimal
}

func newGraph() *graph {
	return &graph{nodeIndex: make(map[string]int)}
}

func (g *graph) nodeID(name string) int {
	if id, ok := g.nodeIndex[name]; ok {
		return id
	}
	id := len(g.nodeNames)
	g.nodeIndex[name] = id
	g.nodeNames = append(g.nodeNames, name)
	g.adj = append(g.adj, nil)
	return id
}

// addEdge records a directed edge from -> to carrying weight. Multiple
// calls between the same pair accumulate (used nowhere today since the
// netting engine builds one edge per net position, but kept correct).
func (g *graph) addEdge(from, to int, weight decimal.Decimal) {
	for i, e := range g.adj[from] {
		if e.to == to {
			g.adj[from][i].weight = e.weight.Add(weight)
			return
		}
	}
	g.adj[from] = append(g.adj[from], edge{to: to, weight: weight})
}

// tarjanSCC computes strongly connected components with the iterative
// variant of Tarjan's algorithm (no recursion, so no stack-depth risk on
// large graphs, per the Design Notes). Returns components as slices of
// node ids, in the order discovered.
func (g *graph) tarjanSCC() [][]int {
	n := len(g.nodeNames)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	var components [][]int
	nextIndex := 0

	type frame struct {
		node    int
		edgeIdx int
	}

	for start := 0; start < n; start++ {
		if index[start] != -1 {
			continue
		}
		var work []frame
		work = append(work, frame{node: start, edgeIdx: 0})
		index[start] = nextIndex
		lowlink[start] = nextIndex
		nextIndex++
		stack = append(stack, start)
		onStack[start] = true

		for len(work) > 0 {
			top := &work[len(work)-1]
			v := top.node

			if top.edgeIdx < len(g.adj[v]) {
				w := g.adj[v][top.edgeIdx].to
				top.edgeIdx++
				if index[w] == -1 {
					index[w] = nextIndex
					lowlink[w] = nextIndex
					nextIndex++
					stack = append(stack, w)
					onStack[w] = true
					work = append(work, frame{node: w, edgeIdx: 0})
				} else if onStack[w] {
					if index[w] < lowlink[v] {
						lowlink[v] = index[w]
					}
				}
				continue
			}

			// Done exploring v's edges; pop and propagate lowlink to parent.
			work = work[:len(work)-1]
			if len(work) > 0 {
				parent := &work[len(work)-1]
				if lowlink[v] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[v]
				}
			}
			if lowlink[v] == index[v] {
				var comp []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				components = append(components, comp)
			}
		}
	}
	return components
}

// findCycleInComponent finds a directed cycle formed entirely within the
// given node set and returns its node path (first node repeated at the end)
// with the weight of each edge on it. Used by cycle elimination: every
// edge in an SCC of size >= 2 participates in at least one cycle,
// and subtracting the minimum such weight from every edge on that cycle
// reduces gross without moving any bank's net position.
//
// The implementation takes the simplifying, deterministic approach of
// starting at members[0] and following the first positive-weight outgoing
// edge that stays inside the set until a node repeats. If the walk reaches
// a node with no such edge it returns nil, nil.
func (g *graph) findCycleInComponent(members []int) ([]int, []decimal.Decimal) {
	inComponent := make(map[int]bool, len(members))
	for _, m := range members {
		inComponent[m] = true
	}
	visitedAt := make(map[int]int)
	var path []int
	cur := members[0]
	for {
		if at, seen := visitedAt[cur]; seen {
			cyclePath := append([]int{}, path[at:]...)
			cyclePath = append(cyclePath, cur)
			weights := make([]decimal.Decimal, len(cyclePath)-1)
			for i := 0; i < len(cyclePath)-1; i++ {
				weights[i] = edgeWeight(g, cyclePath[i], cyclePath[i+1])
			}
			return cyclePath, weights
		}
		visitedAt[cur] = len(path)
		path = append(path, cur)

		next := -1
		for _, e := range g.adj[cur] {
			if inComponent[e.to] && e.weight.GreaterThan(decimal.Zero) {
				next = e.to
				break
			}
		}
		if next == -1 {
			return nil, nil
		}
		cur = next
	}
}

func edgeWeight(g *graph, from, to int) decimal.Decimal {
	for _, e := range g.adj[from] {
		if e.to == to {
			return e.weight
		}
	}
	return decimal.Zero
}

func (g *graph) setEdgeWeight(from, to int, w decimal.Decimal) {
	for i, e := range g.adj[from] {
		if e.to == to {
			g.adj[from][i].weight = w
			return
		}
	}
}
