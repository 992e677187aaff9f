package plan

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"
)

// Dot renders the plan in graphviz dot format, edges pointing in the
// direction of the data flow.
func (p *Plan) Dot() (string, error) {
	g := gographviz.NewGraph()
	g.Name = "plan"
	g.Directed = true
	if err := g.AddAttr("plan", "rankdir", "BT"); err != nil {
		return "", err
	}

	for _, n := range p.Nodes() {
		attrs := map[string]string{"label": strconv.Quote(n.String())}
		if n.ID() == p.root {
			attrs["shape"] = "doublecircle"
		}
		if err := g.AddNode("plan", dotName(n.ID()), attrs); err != nil {
			return "", err
		}
	}
	for _, n := range p.Nodes() {
		for _, d := range n.Dependencies() {
			if err := g.AddEdge(dotName(d), dotName(n.ID()), true, nil); err != nil {
				return "", err
			}
		}
	}

	return g.String(), nil
}

func dotName(id NodeID) string {
	return fmt.Sprintf("n%d", id)
}
