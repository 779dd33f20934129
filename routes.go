package pktsim

// routes.go fills in every node's forwarding table with hop-count shortest-path routes.
//   Nodes become vertices of an undirected graph, and every link an edge of weight 1.
// For each node owning a subnet we compute the tree of shortest paths rooted at that
// node; the next hop from any other node toward the subnet is then the neighbor
// closest to the owner, ties going to the neighbor reached through the lowest
// numbered interface.

import (
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"math"
	"net/netip"
	"strings"
)

// routeGraph is the graph representation of one Sim's topology
type routeGraph struct {
	connGraph *simple.WeightedUndirectedGraph
	cachedSP  map[NodeID]path.Shortest
}

// buildRouteGraph converts the Sim's nodes and links into a graph
func buildRouteGraph(s *Sim) *routeGraph {
	rg := &routeGraph{connGraph: simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		cachedSP: make(map[NodeID]path.Shortest)}
	for _, node := range s.Nodes {
		rg.connGraph.AddNode(simple.Node(node.ID))
	}
	for _, lnk := range s.Links {
		a := s.Intrfcs[lnk.ends[0]].Node
		b := s.Intrfcs[lnk.ends[1]].Node
		if a == b {
			continue
		}
		rg.connGraph.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(a), T: simple.Node(b), W: 1.0})
	}
	return rg
}

// spTree returns the shortest path tree rooted at from, computing and caching it when needed
func (rg *routeGraph) spTree(from NodeID) path.Shortest {
	spTree, present := rg.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), rg.connGraph)
	rg.cachedSP[from] = spTree
	return spTree
}

// hops is the hop count from node to owner, or +Inf when unreachable
func (rg *routeGraph) hops(node, owner NodeID) float64 {
	return rg.spTree(owner).WeightTo(int64(node))
}

// populateRoutes installs connected routes for each node's own subnets and a
// next-hop route for every other subnet it can reach
func populateRoutes(s *Sim) {
	rg := buildRouteGraph(s)

	for _, node := range s.Nodes {
		node.routes = []route{}
		have := func(pfx netip.Prefix) bool {
			return slices.ContainsFunc(node.routes, func(rt route) bool { return rt.Prefix == pfx })
		}

		for _, iid := range node.Intrfcs {
			intrfc := s.Intrfcs[iid]
			if have(intrfc.Prefix) {
				continue
			}
			node.routes = append(node.routes, route{Prefix: intrfc.Prefix, Out: iid,
				NextHop: s.peer(intrfc).Node, Hops: 0})
		}

		for _, owner := range s.Intrfcs {
			if owner.Node == node.ID || have(owner.Prefix) {
				continue
			}
			dist := rg.hops(node.ID, owner.Node)
			if math.IsInf(dist, 1) {
				continue
			}
			// pick the neighbor one hop closer to the owner
			for _, iid := range node.Intrfcs {
				nbr := s.peer(s.Intrfcs[iid]).Node
				if rg.hops(nbr, owner.Node) == dist-1 {
					node.routes = append(node.routes, route{Prefix: owner.Prefix, Out: iid,
						NextHop: nbr, Hops: int(dist)})
					break
				}
			}
		}

		slices.SortStableFunc(node.routes, func(a, b route) int { return b.Prefix.Bits() - a.Prefix.Bits() })
	}
}

// peer returns the interface at the other end of intrfc's link
func (s *Sim) peer(intrfc *Intrfc) *Intrfc {
	ends := s.Links[intrfc.Link].Ends()
	return s.Intrfcs[ends[1-intrfc.Side]]
}

// Route follows the forwarding tables from src toward dst, returning the
// egress interfaces used hop by hop.  The result is empty when some node on
// the way has no route, and stops at the node owning dst.
func (s *Sim) Route(src NodeID, dst netip.Addr) []IntrfcID {
	hops := []IntrfcID{}
	here := s.Nodes[src]
	for range s.Nodes {
		if here.hasAddr(dst) {
			return hops
		}
		rt, ok := here.lookup(dst)
		if !ok {
			return []IntrfcID{}
		}
		hops = append(hops, rt.Out)
		here = s.Nodes[s.peer(s.Intrfcs[rt.Out]).Node]
	}
	return []IntrfcID{}
}

// ShowPath returns a string that lists the names of the nodes a route visits
func (s *Sim) ShowPath(src NodeID, hops []IntrfcID) string {
	names := []string{s.Nodes[src].Name}
	for _, iid := range hops {
		names = append(names, s.Nodes[s.peer(s.Intrfcs[iid]).Node].Name)
	}
	return strings.Join(names, ",")
}
