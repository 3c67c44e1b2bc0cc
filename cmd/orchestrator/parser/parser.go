package parser

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/vnml/orchestrator/common/faults"
)

// Project is the parsed form of a valuation request document: shared context
// elements plus the ordered group sequence. Root is the live document root;
// hydration resolves absolute select expressions against it.
type Project struct {
	Root     *etree.Element
	Metadata Metadata
	Groups   []Group
}

// Metadata holds the context elements every task request carries
type Metadata struct {
	Markets     []*etree.Element
	Models      []*etree.Element
	Calculators []*etree.Element
	Portfolio   *etree.Element
}

// Group is one ordered partition of tasks
type Group struct {
	Name       string
	Valuations []Valuation
}

// Valuation is one task within a group
type Valuation struct {
	TaskID  string
	Name    string
	Element *etree.Element
}

// ParseProject decomposes a request document into groups of tasks. Groups and
// tasks keep document order; task IDs encode 1-based group and task positions
// so they are unique within the request and stable across re-parses.
func ParseProject(rawXML string) (*Project, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(rawXML); err != nil {
		return nil, faults.Wrap(faults.InvalidInput, err, "malformed request XML")
	}

	root := doc.Root()
	if root == nil {
		return nil, faults.New(faults.InvalidInput, "request XML has no root element")
	}

	projectElement := root.FindElement("project")
	if projectElement == nil {
		return nil, faults.New(faults.InvalidInput, "invalid XML: missing <project> element")
	}

	project := &Project{
		Root: root,
		Metadata: Metadata{
			Markets:     copyAll(projectElement.SelectElements("market")),
			Models:      copyAll(projectElement.SelectElements("model")),
			Calculators: copyAll(projectElement.SelectElements("calculator")),
		},
	}
	if portfolio := projectElement.SelectElement("portfolio"); portfolio != nil {
		project.Metadata.Portfolio = portfolio.Copy()
	}

	for groupIdx, groupElement := range projectElement.SelectElements("group") {
		group := Group{Name: groupElement.SelectAttrValue("name", fmt.Sprintf("Group%d", groupIdx+1))}

		for valIdx, valuation := range taskElements(groupElement) {
			name := valuation.SelectAttrValue("name", "")
			if name == "" {
				name = valuation.SelectAttrValue("id", "")
			}
			if name == "" {
				name = fmt.Sprintf("valuation-%d", valIdx+1)
			}
			group.Valuations = append(group.Valuations, Valuation{
				TaskID:  fmt.Sprintf("g%d-t%d-%s", groupIdx+1, valIdx+1, name),
				Name:    name,
				Element: valuation.Copy(),
			})
		}

		project.Groups = append(project.Groups, group)
	}

	return project, nil
}

// taskElements returns a group's tasks: its <valuation> children, or every
// element child when the document uses another task tag.
func taskElements(group *etree.Element) []*etree.Element {
	valuations := group.SelectElements("valuation")
	if len(valuations) > 0 {
		return valuations
	}
	return group.ChildElements()
}

// ComposeTaskXML builds a standalone task request from the shared context, one
// hydrated valuation element and the serialized results of all prior groups.
func ComposeTaskXML(metadata Metadata, valuation *etree.Element, priorResults []PriorResult) string {
	doc := etree.NewDocument()
	taskRoot := doc.CreateElement("taskRequest")

	header := taskRoot.CreateElement("context")
	for _, market := range metadata.Markets {
		header.AddChild(market.Copy())
	}
	for _, model := range metadata.Models {
		header.AddChild(model.Copy())
	}
	for _, calculator := range metadata.Calculators {
		header.AddChild(calculator.Copy())
	}
	if metadata.Portfolio != nil {
		header.AddChild(metadata.Portfolio.Copy())
	}

	if len(priorResults) > 0 {
		container := taskRoot.CreateElement("priorResults")
		for _, prior := range priorResults {
			node := container.CreateElement("result")
			node.CreateAttr("taskId", prior.TaskID)
			node.SetText(prior.Payload)
		}
	}

	taskRoot.AddChild(valuation.Copy())

	out, err := doc.WriteToString()
	if err != nil {
		// WriteToString only fails on writer errors, which a string
		// builder never produces.
		return ""
	}
	return out
}

// PriorResult is a completed task's serialized outcome, carried into later
// groups' task requests.
type PriorResult struct {
	TaskID  string
	Payload string
}

func copyAll(elements []*etree.Element) []*etree.Element {
	copies := make([]*etree.Element, 0, len(elements))
	for _, element := range elements {
		copies = append(copies, element.Copy())
	}
	return copies
}
