package features

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// DefaultThreshold is the edge distance threshold in degrees (about 1 km).
const DefaultThreshold = 0.01

// Anchor selects the point a segment is located at.
type Anchor int

const (
	AnchorStart Anchor = iota
	AnchorCenter
)

// Strategy selects the neighbour search used for adjacency.
type Strategy int

const (
	StrategyKDTree Strategy = iota
	StrategyBruteForce
)

// Edge is an undirected edge between node indices I < J.
type Edge struct {
	I        int     `json:"i"`
	J        int     `json:"j"`
	Distance float64 `json:"distance"`
}

// Neighbor is one adjacent segment.
type Neighbor struct {
	SegmentID int     `json:"segment_id"`
	Distance  float64 `json:"distance"`
}

// Adjacency is the timestamp-invariant proximity graph over segments.
// Node i is Segments[i]; segments are ordered by id.
type Adjacency struct {
	Segments  []traffic.Segment `json:"segments"`
	Edges     []Edge            `json:"edges"`
	Threshold float64           `json:"threshold"`

	index map[int]int
	graph *simple.WeightedUndirectedGraph
}

// BuildAdjacency links every pair of segments whose anchors are closer than
// the threshold in planar degree distance.
func BuildAdjacency(segments []traffic.Segment, opts ...AdjacencyOption) (*Adjacency, error) {
	cfg := adjacencyConfig{threshold: DefaultThreshold, anchor: AnchorStart, strategy: StrategyKDTree}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threshold <= 0 || math.IsNaN(cfg.threshold) {
		return nil, ErrInvalidThreshold
	}

	sorted := make([]traffic.Segment, len(segments))
	copy(sorted, segments)
	sortSegments(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateSegment, sorted[i].ID)
		}
	}

	points := make([][2]float64, len(sorted))
	for i, s := range sorted {
		points[i] = anchorOf(s, cfg.anchor)
	}

	var edges []Edge
	switch cfg.strategy {
	case StrategyBruteForce:
		edges = bruteForceEdges(points, cfg.threshold)
	default:
		edges = kdTreeEdges(points, cfg.threshold)
	}
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].I != edges[b].I {
			return edges[a].I < edges[b].I
		}
		return edges[a].J < edges[b].J
	})

	return NewAdjacency(sorted, edges, cfg.threshold), nil
}

// NewAdjacency wraps precomputed segments and edges, for example ones read
// back from a checkpoint. Segments must already be ordered by id.
func NewAdjacency(segments []traffic.Segment, edges []Edge, threshold float64) *Adjacency {
	a := &Adjacency{
		Segments:  segments,
		Edges:     edges,
		Threshold: threshold,
		index:     make(map[int]int, len(segments)),
		graph:     simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
	}
	for i, s := range segments {
		a.index[s.ID] = i
		a.graph.AddNode(simple.Node(int64(i)))
	}
	for _, e := range edges {
		a.graph.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(int64(e.I)),
			T: simple.Node(int64(e.J)),
			W: e.Distance,
		})
	}
	return a
}

// Index returns the node index of a segment id.
func (a *Adjacency) Index(segmentID int) (int, bool) {
	i, ok := a.index[segmentID]
	return i, ok
}

// Len returns the number of nodes.
func (a *Adjacency) Len() int { return len(a.Segments) }

// Graph exposes the adjacency as a gonum weighted undirected graph.
func (a *Adjacency) Graph() *simple.WeightedUndirectedGraph { return a.graph }

// Neighbors returns the segments adjacent to segmentID ordered by distance.
func (a *Adjacency) Neighbors(segmentID int) ([]Neighbor, error) {
	i, ok := a.index[segmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, segmentID)
	}
	var out []Neighbor
	nodes := a.graph.From(int64(i))
	for nodes.Next() {
		j := nodes.Node().ID()
		w, _ := a.graph.Weight(int64(i), j)
		out = append(out, Neighbor{SegmentID: a.Segments[j].ID, Distance: w})
	}
	sort.Slice(out, func(x, y int) bool {
		if out[x].Distance != out[y].Distance {
			return out[x].Distance < out[y].Distance
		}
		return out[x].SegmentID < out[y].SegmentID
	})
	return out, nil
}

// Directed returns each undirected edge in both directions.
func (a *Adjacency) Directed() []Edge {
	out := make([]Edge, 0, 2*len(a.Edges))
	for _, e := range a.Edges {
		out = append(out, e, Edge{I: e.J, J: e.I, Distance: e.Distance})
	}
	return out
}

func sortSegments(segments []traffic.Segment) {
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
}

func anchorOf(s traffic.Segment, a Anchor) [2]float64 {
	if a == AnchorCenter {
		lat, lon := s.Center()
		return [2]float64{lat, lon}
	}
	return [2]float64{s.StartLat, s.StartLon}
}

func planar(p, q [2]float64) float64 {
	return math.Hypot(p[0]-q[0], p[1]-q[1])
}

func bruteForceEdges(points [][2]float64, threshold float64) []Edge {
	var edges []Edge
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			if d := planar(points[i], points[j]); d < threshold {
				edges = append(edges, Edge{I: i, J: j, Distance: d})
			}
		}
	}
	return edges
}

// kdTreeEdges finds candidate neighbours with a k-d tree over the distinct
// anchor coordinates. Segments sharing a coordinate share a tree point.
func kdTreeEdges(points [][2]float64, threshold float64) []Edge {
	if len(points) < 2 {
		return nil
	}
	byCoord := make(map[[2]float64][]int)
	var unique kdtree.Points
	for i, p := range points {
		if _, seen := byCoord[p]; !seen {
			unique = append(unique, kdtree.Point{p[0], p[1]})
		}
		byCoord[p] = append(byCoord[p], i)
	}
	tree := kdtree.New(unique, false)

	var edges []Edge
	for i, p := range points {
		// kdtree distances are squared.
		keeper := kdtree.NewDistKeeper(threshold * threshold)
		tree.NearestSet(keeper, kdtree.Point{p[0], p[1]})
		for _, c := range keeper.Heap {
			if c.Comparable == nil {
				continue
			}
			q := c.Comparable.(kdtree.Point)
			for _, j := range byCoord[[2]float64{q[0], q[1]}] {
				if j <= i {
					continue
				}
				if d := planar(p, points[j]); d < threshold {
					edges = append(edges, Edge{I: i, J: j, Distance: d})
				}
			}
		}
	}
	return edges
}
