package worker

import (
	"math/rand"
	"strconv"

	"github.com/beevik/etree"

	"github.com/vnml/orchestrator/common/faults"
)

// Valuator prices one task request document and returns the result document.
type Valuator interface {
	Valuate(taskXML string) (string, error)
}

// AmountSource produces the priced amount for one valuation.
type AmountSource func() float64

// XMLValuator parses the task request, writes the computed amount into the
// analytics/price/amount node and serializes the document back. The amount
// node is created when the request does not already carry one.
type XMLValuator struct {
	amount AmountSource
}

// NewXMLValuator creates a valuator. A nil source falls back to a random
// positive amount.
func NewXMLValuator(source AmountSource) *XMLValuator {
	if source == nil {
		source = func() float64 {
			return 1 + rand.Float64()*999
		}
	}
	return &XMLValuator{amount: source}
}

func (v *XMLValuator) Valuate(taskXML string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(taskXML); err != nil {
		return "", faults.Wrap(faults.InvalidInput, err, "malformed task XML")
	}

	root := doc.Root()
	if root == nil {
		return "", faults.New(faults.InvalidInput, "task XML has no root element")
	}

	amount := v.amount()
	formatted := strconv.FormatFloat(amount, 'f', 2, 64)

	targets := root.FindElements(".//analytics/price/amount")
	if len(targets) == 0 {
		targets = []*etree.Element{
			root.CreateElement("analytics").CreateElement("price").CreateElement("amount"),
		}
	}
	for _, target := range targets {
		target.SetText(formatted)
	}

	out, err := doc.WriteToString()
	if err != nil {
		return "", faults.Wrap(faults.Internal, err, "failed to serialize result")
	}
	return out, nil
}
