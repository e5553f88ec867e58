package engine

import (
	"sort"

	"github.com/rmax-ai/roadnet/pkg/graph"
)

// Pair is a candidate edge between two nodes, A.ID < B.ID.
type Pair struct {
	A, B   graph.Node
	DistSq int64
}

func (p Pair) Key() graph.SpatialKey { return graph.MakeKey(p.A.ID, p.B.ID) }

type cell struct{ x, y, z int }

func cellOf(p graph.Position, size int) cell {
	return cell{floorDiv(p.X, size), floorDiv(p.Y, size), floorDiv(p.Z, size)}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Pairs returns every pair of nodes within maxDist of each other, sorted by
// (distance, A.ID, B.ID). Below naiveThreshold nodes all pairs are checked,
// otherwise nodes are bucketed into cubes of bucketSize and only neighbouring
// buckets are compared. Both paths return the same set.
func Pairs(nodes []graph.Node, maxDist, bucketSize, naiveThreshold int) []Pair {
	if maxDist <= 0 || len(nodes) < 2 {
		return nil
	}
	max2 := int64(maxDist) * int64(maxDist)

	var out []Pair
	add := func(a, b graph.Node) {
		if a.ID == b.ID {
			return
		}
		d := a.Position.DistSq(b.Position)
		if d > max2 {
			return
		}
		if b.ID < a.ID {
			a, b = b, a
		}
		out = append(out, Pair{A: a, B: b, DistSq: d})
	}

	if len(nodes) < naiveThreshold || bucketSize <= 0 {
		for i := range nodes {
			for j := i + 1; j < len(nodes); j++ {
				add(nodes[i], nodes[j])
			}
		}
	} else {
		buckets := make(map[cell][]int)
		for i, n := range nodes {
			c := cellOf(n.Position, bucketSize)
			buckets[c] = append(buckets[c], i)
		}
		reach := (maxDist + bucketSize - 1) / bucketSize
		for i, n := range nodes {
			c := cellOf(n.Position, bucketSize)
			for dx := -reach; dx <= reach; dx++ {
				for dy := -reach; dy <= reach; dy++ {
					for dz := -reach; dz <= reach; dz++ {
						for _, j := range buckets[cell{c.x + dx, c.y + dy, c.z + dz}] {
							// Each unordered pair once.
							if j > i {
								add(n, nodes[j])
							}
						}
					}
				}
			}
		}
	}

	sortPairs(out)
	return out
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].DistSq != pairs[j].DistSq {
			return pairs[i].DistSq < pairs[j].DistSq
		}
		if pairs[i].A.ID != pairs[j].A.ID {
			return pairs[i].A.ID < pairs[j].A.ID
		}
		return pairs[i].B.ID < pairs[j].B.ID
	})
}
