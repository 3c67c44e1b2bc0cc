package engine

import (
	"strconv"

	"github.com/beevik/etree"
)

// BuildResponseXML assembles the final response document from every group's
// outcomes, in group then task order.
func BuildResponseXML(requestID string, aggregated [][]TaskOutcome) string {
	doc := etree.NewDocument()
	root := doc.CreateElement("response")
	root.CreateAttr("requestId", requestID)

	for groupIdx, outcomes := range aggregated {
		groupNode := root.CreateElement("group")
		groupNode.CreateAttr("index", strconv.Itoa(groupIdx))

		for _, outcome := range outcomes {
			taskNode := groupNode.CreateElement("task")
			taskNode.CreateAttr("id", outcome.TaskID)
			if outcome.Attempt > 0 {
				taskNode.CreateAttr("attempt", strconv.Itoa(outcome.Attempt))
			}

			taskNode.CreateElement("resultKey").SetText(outcome.ResultKey)
			taskNode.CreateElement("result").SetText(outcome.Result)
		}
	}

	out, err := doc.WriteToString()
	if err != nil {
		return ""
	}
	return out
}
