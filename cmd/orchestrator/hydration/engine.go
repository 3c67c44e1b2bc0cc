package hydration

import (
	"github.com/beevik/etree"

	"github.com/vnml/orchestrator/common/faults"
)

// Item is a node undergoing hydration along with the context node a custom
// function bound it to.
type Item struct {
	Element *etree.Element
	Context *etree.Element
}

// Strategy is one hydration pass. Strategies are composable: later strategies
// see earlier strategies' output, and a strategy may fan one item out into
// several.
type Strategy interface {
	Apply(items []Item, documentRoot *etree.Element, engine *Engine) ([]Item, error)
}

// Engine runs a fixed strategy sequence over a deep copy of the input
// element. The default order resolves href includes, expands custom
// functions, resolves select references, then resolves any href attributes
// the earlier passes introduced.
type Engine struct {
	strategies []Strategy
}

// NewEngine creates a hydration engine with the given strategy sequence
func NewEngine(strategies ...Strategy) *Engine {
	return &Engine{strategies: strategies}
}

// NewDefaultEngine creates an engine with the standard strategy order
func NewDefaultEngine() *Engine {
	href := NewHrefStrategy(nil)
	return NewEngine(
		href,
		NewUseFunctionStrategy(),
		NewSelectStrategy(),
		href,
	)
}

// HydrateElement returns fully hydrated copies of element. The input is never
// mutated. Custom functions may return multiple items when duplication is
// required.
func (e *Engine) HydrateElement(element *etree.Element, documentRoot *etree.Element, contextNode *etree.Element) ([]Item, error) {
	if element == nil {
		return nil, faults.New(faults.InvalidInput, "cannot hydrate a nil element")
	}

	items := []Item{{Element: element.Copy(), Context: contextNode}}

	var err error
	for _, strategy := range e.strategies {
		items, err = strategy.Apply(items, documentRoot, e)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}
