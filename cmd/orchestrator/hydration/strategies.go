package hydration

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/vnml/orchestrator/cmd/orchestrator/hydration/fetchers"
	"github.com/vnml/orchestrator/common/faults"
)

// HrefStrategy resolves nodes that declare an href attribute by merging the
// referenced external XML into the local node. Local attributes, text and
// children take precedence over the remote document's.
type HrefStrategy struct {
	fetcher  fetchers.Fetcher
	docCache map[string]*etree.Document
}

// NewHrefStrategy creates an href strategy. A nil fetcher defaults to the
// filesystem.
func NewHrefStrategy(fetcher fetchers.Fetcher) *HrefStrategy {
	if fetcher == nil {
		fetcher = fetchers.NewCompositeFetcher(fetchers.NewFileFetcher())
	}
	return &HrefStrategy{
		fetcher:  fetcher,
		docCache: make(map[string]*etree.Document),
	}
}

func (s *HrefStrategy) Apply(items []Item, documentRoot *etree.Element, engine *Engine) ([]Item, error) {
	for _, item := range items {
		if err := s.hydrateHrefNodes(item.Element); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// hydrateHrefNodes resolves until no href attributes remain, so references
// introduced by a merge are themselves resolved.
func (s *HrefStrategy) hydrateHrefNodes(element *etree.Element) error {
	for {
		nodes := element.FindElements(".//*[@href]")
		if len(nodes) == 0 {
			return nil
		}
		for _, node := range nodes {
			if err := s.hydrateSingleNode(node); err != nil {
				return err
			}
		}
	}
}

func (s *HrefStrategy) hydrateSingleNode(node *etree.Element) error {
	href := node.SelectAttrValue("href", "")
	if href == "" {
		return faults.Errorf(faults.InvalidInput, "element <%s> has an empty href attribute", node.Tag)
	}

	path := node.GetPath()
	remoteRoot, err := s.remoteDocument(href)
	if err != nil {
		return err
	}

	remoteNode, err := locateRemoteNode(node, remoteRoot, path, href)
	if err != nil {
		return err
	}

	merged := mergeNodes(node, remoteNode)
	merged.RemoveAttr("href")

	parent := node.Parent()
	if parent == nil {
		// Replace the root node in place
		node.Tag = merged.Tag
		node.Space = merged.Space
		node.Attr = merged.Attr
		node.Child = merged.Child
		return nil
	}

	index := node.Index()
	parent.RemoveChild(node)
	parent.InsertChildAt(index, merged)
	return nil
}

func (s *HrefStrategy) remoteDocument(uri string) (*etree.Element, error) {
	if doc, ok := s.docCache[uri]; ok {
		return doc.Root(), nil
	}

	data, err := s.fetcher.Fetch(uri)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidInput, err, "href resource unavailable")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, faults.Errorf(faults.InvalidInput, "unable to parse XML from %q", uri)
	}
	if doc.Root() == nil {
		return nil, faults.Errorf(faults.InvalidInput, "empty XML document at %q", uri)
	}

	s.docCache[uri] = doc
	return doc.Root(), nil
}

// locateRemoteNode finds the remote counterpart of a local node: first by the
// local node's document path, then by matching name/id attributes, finally by
// tag when the tag is unambiguous.
func locateRemoteNode(local, remoteRoot *etree.Element, path, href string) (*etree.Element, error) {
	if matches := remoteRoot.FindElements(path); len(matches) == 1 {
		return matches[0], nil
	}

	for _, attr := range []string{"name", "id"} {
		value := local.SelectAttrValue(attr, "")
		if value == "" {
			continue
		}
		var attrMatches []*etree.Element
		for _, candidate := range elementsByTag(remoteRoot, local.Tag) {
			if candidate.SelectAttrValue(attr, "") == value {
				attrMatches = append(attrMatches, candidate)
			}
		}
		if len(attrMatches) == 1 {
			return attrMatches[0], nil
		}
	}

	if tagMatches := elementsByTag(remoteRoot, local.Tag); len(tagMatches) == 1 {
		return tagMatches[0], nil
	}

	return nil, faults.Errorf(faults.InvalidInput,
		"remote document at %q does not contain a single match for path %q", href, path)
}

func elementsByTag(root *etree.Element, tag string) []*etree.Element {
	var matches []*etree.Element
	if root.Tag == tag {
		matches = append(matches, root)
	}
	matches = append(matches, root.FindElements(".//"+tag)...)
	return matches
}

// mergeNodes combines a local node with its remote counterpart. Remote
// attributes are overlaid by local ones, local text wins when present, and
// children are merged recursively keyed by tag plus name/id.
func mergeNodes(local, remote *etree.Element) *etree.Element {
	merged := etree.NewElement(remote.FullTag())

	for _, attr := range remote.Attr {
		merged.CreateAttr(attr.FullKey(), attr.Value)
	}
	for _, attr := range local.Attr {
		if attr.FullKey() == "href" {
			continue
		}
		merged.CreateAttr(attr.FullKey(), attr.Value)
	}

	if strings.TrimSpace(local.Text()) != "" {
		merged.SetText(local.Text())
	} else {
		merged.SetText(remote.Text())
	}

	remoteChildren := remote.ChildElements()
	remoteLookup := make(map[childKey]*etree.Element, len(remoteChildren))
	for idx, child := range remoteChildren {
		remoteLookup[keyOf(child, idx)] = child
	}

	consumed := make(map[childKey]bool)
	for idx, localChild := range local.ChildElements() {
		key := keyOf(localChild, idx)
		if remoteChild, ok := remoteLookup[key]; ok {
			merged.AddChild(mergeNodes(localChild, remoteChild))
			consumed[key] = true
		} else {
			merged.AddChild(localChild.Copy())
		}
	}

	localSignatures := make(map[childKey]bool)
	for _, child := range local.ChildElements() {
		localSignatures[signatureOf(child)] = true
	}

	for idx, remoteChild := range remoteChildren {
		key := keyOf(remoteChild, idx)
		if consumed[key] || localSignatures[signatureOf(remoteChild)] {
			continue
		}
		merged.AddChild(remoteChild.Copy())
	}

	return merged
}

// childKey identifies a child node for merging: by name/id when present,
// otherwise by tag and position.
type childKey struct {
	tag      string
	attr     string
	value    string
	position int
}

func keyOf(element *etree.Element, position int) childKey {
	for _, attr := range []string{"name", "id"} {
		if value := element.SelectAttrValue(attr, ""); value != "" {
			return childKey{tag: element.Tag, attr: attr, value: value}
		}
	}
	return childKey{tag: element.Tag, position: position}
}

func signatureOf(element *etree.Element) childKey {
	for _, attr := range []string{"name", "id"} {
		if value := element.SelectAttrValue(attr, ""); value != "" {
			return childKey{tag: element.Tag, attr: attr, value: value}
		}
	}
	return childKey{tag: element.Tag}
}

// UseFunctionStrategy expands nodes that declare custom hydration functions
// via use attributes. Only vn:link is supported: it clones the node once per
// child selected by the link expression, binding each clone to that child as
// its context.
type UseFunctionStrategy struct{}

// NewUseFunctionStrategy creates a use-function strategy
func NewUseFunctionStrategy() *UseFunctionStrategy {
	return &UseFunctionStrategy{}
}

func (s *UseFunctionStrategy) Apply(items []Item, documentRoot *etree.Element, engine *Engine) ([]Item, error) {
	var output []Item

	for _, item := range items {
		queue := []Item{item}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			useAttr := current.Element.SelectAttrValue("use", "")
			if useAttr == "" {
				output = append(output, current)
				continue
			}

			clones, err := s.expandUse(current, useAttr, documentRoot)
			if err != nil {
				return nil, err
			}
			if len(clones) == 0 {
				return nil, faults.Errorf(faults.InvalidInput,
					"custom function %q did not resolve to any target nodes", useAttr)
			}
			queue = append(queue, clones...)
		}
	}

	return output, nil
}

func (s *UseFunctionStrategy) expandUse(item Item, useAttr string, documentRoot *etree.Element) ([]Item, error) {
	function, args, err := parseUseExpression(useAttr)
	if err != nil {
		return nil, err
	}
	if function != "link" {
		return nil, faults.Errorf(faults.InvalidInput, "unsupported custom hydration function %q", function)
	}

	sourcePath, childName := args[0], args[1]
	matches := documentRoot.FindElements(sourcePath)
	if len(matches) == 0 {
		return nil, faults.Errorf(faults.InvalidInput,
			"vn:link source path %q did not resolve to any elements", sourcePath)
	}

	var produced []Item
	for _, match := range matches {
		for _, child := range match.FindElements("./" + childName) {
			clone := item.Element.Copy()
			clone.RemoveAttr("use")
			produced = append(produced, Item{Element: clone, Context: child})
		}
	}
	return produced, nil
}

// parseUseExpression parses "vn:function(arg1, arg2)"
func parseUseExpression(expr string) (string, [2]string, error) {
	var args [2]string

	if !strings.HasSuffix(expr, ")") {
		return "", args, faults.Errorf(faults.InvalidInput, "invalid use attribute %q; expected parentheses", expr)
	}

	head, rawArgs, found := strings.Cut(strings.TrimSuffix(expr, ")"), "(")
	if !found {
		return "", args, faults.Errorf(faults.InvalidInput, "invalid use attribute %q; expected parentheses", expr)
	}

	namespace, function, found := strings.Cut(head, ":")
	if !found {
		return "", args, faults.Errorf(faults.InvalidInput,
			"invalid use attribute %q; expected prefix:function format", expr)
	}
	if namespace != "vn" {
		return "", args, faults.Errorf(faults.InvalidInput,
			"unsupported custom hydration namespace %q in %q", namespace, expr)
	}

	var parts []string
	for _, part := range strings.Split(rawArgs, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) != 2 {
		return "", args, faults.Errorf(faults.InvalidInput,
			"custom function %q expects exactly two arguments; received %d", function, len(parts))
	}

	args[0], args[1] = parts[0], parts[1]
	return function, args, nil
}

// SelectStrategy resolves select attributes by replacing the declaring node
// with a clone of the referenced node. Absolute expressions resolve against
// the request document; relative expressions resolve against the context node
// a custom function bound.
type SelectStrategy struct {
	referenceCache map[string]*etree.Element
}

// NewSelectStrategy creates a select strategy
func NewSelectStrategy() *SelectStrategy {
	return &SelectStrategy{
		referenceCache: make(map[string]*etree.Element),
	}
}

func (s *SelectStrategy) Apply(items []Item, documentRoot *etree.Element, engine *Engine) ([]Item, error) {
	for _, item := range items {
		for _, node := range item.Element.FindElements(".//*[@select]") {
			if hasUseAncestor(node, item.Element) {
				// An unexpanded use attribute above this node owns it;
				// its select resolves after that expansion.
				continue
			}

			selectExpr := node.SelectAttrValue("select", "")
			if selectExpr == "" {
				return nil, faults.New(faults.InvalidInput, "encountered select attribute without a value")
			}

			replacement, err := s.resolveReference(selectExpr, documentRoot, item.Context)
			if err != nil {
				return nil, err
			}

			parent := node.Parent()
			if parent == nil {
				return nil, faults.Errorf(faults.InvalidInput,
					"cannot hydrate element <%s> without a parent; select expression %q is invalid", node.Tag, selectExpr)
			}

			index := node.Index()
			parent.RemoveChild(node)
			parent.InsertChildAt(index, replacement.Copy())
		}
	}
	return items, nil
}

func (s *SelectStrategy) resolveReference(selectExpr string, documentRoot, contextNode *etree.Element) (*etree.Element, error) {
	if strings.HasPrefix(selectExpr, "/") {
		if cached, ok := s.referenceCache[selectExpr]; ok {
			return cached, nil
		}
		match, err := exactlyOne(selectExpr, documentRoot.FindElements(selectExpr))
		if err != nil {
			return nil, err
		}
		s.referenceCache[selectExpr] = match
		return match, nil
	}

	if !strings.HasPrefix(selectExpr, ".") {
		return nil, faults.Errorf(faults.InvalidInput,
			"select expression %q must be absolute or relative to the custom function context", selectExpr)
	}

	if contextNode == nil {
		return nil, faults.Errorf(faults.InvalidInput,
			"select expression %q requires a context node provided by a custom function", selectExpr)
	}

	if selectExpr == "." {
		return contextNode, nil
	}

	return exactlyOne(selectExpr, contextNode.FindElements(selectExpr))
}

func exactlyOne(selectExpr string, matches []*etree.Element) (*etree.Element, error) {
	if len(matches) != 1 {
		return nil, faults.Errorf(faults.InvalidInput,
			"select expression %q resolved to %d elements; expected exactly one", selectExpr, len(matches))
	}
	return matches[0], nil
}

// hasUseAncestor walks from node up to (but not past) top looking for an
// unexpanded use attribute.
func hasUseAncestor(node, top *etree.Element) bool {
	for current := node.Parent(); current != nil; current = current.Parent() {
		if current.SelectAttrValue("use", "") != "" {
			return true
		}
		if current == top {
			return false
		}
	}
	return false
}
