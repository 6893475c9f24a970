package relpersist

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// GraphNode is a tracked entity in the export of a session.
type GraphNode struct {
	// ID is the entity identity: the type name followed by its key, e.g. "Person{1}".
	ID string `json:"id"`

	// Labels holds the entity type name.
	Labels []string `json:"labels"`

	// Properties holds the scalar values by property name.
	Properties map[string]interface{} `json:"properties"`
}

// Edge is a navigation from one exported entity to another.
type Edge struct {
	// ID identifies the edge by its source, navigation and target.
	ID string `json:"id"`

	// Source is the ID of the entity holding the navigation.
	Source string `json:"source"`

	// Target is the ID of the entity the navigation points at.
	Target string `json:"target"`

	// Type is the navigation name in upper snake case (e.g., "MEMBERS", "CATEGORY").
	Type string `json:"type"`

	// Properties is always empty; navigations carry no values of their own.
	Properties map[string]interface{} `json:"properties"`
}

// GraphResult is the change tracker of a session seen as a graph. It marshals to the
// nodes/edges JSON printed by the demos with --graph and is what MirrorGraph writes.
type GraphResult struct {
	// Nodes lists each tracked entity once, in debug view order.
	Nodes []*GraphNode `json:"nodes"`

	// Edges lists each navigation once, by source node.
	Edges []*Edge `json:"edges"`
}

// Graph exports the entities tracked by the session and the navigations between them.
// Detached entities and navigations to untracked entities are left out; entities and
// edges reachable more than once appear once.
func (s *Session) Graph() *GraphResult {
	graph := &GraphResult{
		Nodes: make([]*GraphNode, 0),
		Edges: make([]*Edge, 0),
	}
	seenNodeIDs := make(map[string]bool)
	seenEdgeIDs := make(map[string]bool)

	entries := s.tracker.Entries()
	for _, e := range entries {
		id := s.nodeID(e)
		if seenNodeIDs[id] {
			continue
		}
		props := make(map[string]interface{})
		for k, v := range e.current() {
			props[k] = v
		}
		graph.Nodes = append(graph.Nodes, &GraphNode{ID: id, Labels: []string{e.TypeName()}, Properties: props})
		seenNodeIDs[id] = true
	}

	addEdge := func(source *Entry, nav string, target any) {
		te, ok := s.tracker.entryFor(target)
		if !ok {
			return
		}
		src, dst := s.nodeID(source), s.nodeID(te)
		edgeID := fmt.Sprintf("%s-%s->%s", src, nav, dst)
		if seenEdgeIDs[edgeID] {
			return
		}
		graph.Edges = append(graph.Edges, &Edge{
			ID:         edgeID,
			Source:     src,
			Target:     dst,
			Type:       edgeType(nav),
			Properties: map[string]interface{}{},
		})
		seenEdgeIDs[edgeID] = true
	}

	for _, e := range entries {
		if e.et != nil {
			bag := e.Entity.(PropertyBag)
			for _, n := range e.et.navigations {
				switch v := bag[n.Name].(type) {
				case PropertyBag:
					addEdge(e, n.Name, v)
				case []PropertyBag:
					for _, d := range v {
						addEdge(e, n.Name, d)
					}
				}
			}
			continue
		}
		rv := reflect.ValueOf(e.Entity).Elem()
		for _, rel := range navigations(e.sch) {
			fv := rel.Field.ReflectValueOf(context.Background(), rv)
			switch fv.Kind() {
			case reflect.Ptr:
				if !fv.IsNil() {
					addEdge(e, rel.Name, fv.Interface())
				}
			case reflect.Struct:
				addEdge(e, rel.Name, fv.Addr().Interface())
			case reflect.Slice:
				for i := 0; i < fv.Len(); i++ {
					elem := fv.Index(i)
					if elem.Kind() != reflect.Ptr {
						elem = elem.Addr()
					}
					if !elem.IsNil() {
						addEdge(e, rel.Name, elem.Interface())
					}
				}
			}
		}
	}
	return graph
}

func (s *Session) nodeID(e *Entry) string {
	if e.hasKey() {
		return identityKey(e.TypeName(), e.Key())
	}
	return fmt.Sprintf("%s#%d", e.TypeName(), e.seq)
}

// edgeType turns a navigation name such as "PersonCommunities" into "PERSON_COMMUNITIES".
func edgeType(nav string) string {
	var b strings.Builder
	for i, r := range nav {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
