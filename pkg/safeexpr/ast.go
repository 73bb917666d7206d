package safeexpr

type node interface{}

type nodeLiteral struct {
	Value any
}

type nodeName struct {
	Name string
}

type nodeAttr struct {
	X    node
	Name string
}

type nodeIndex struct {
	X   node
	Idx node
}

type nodeUnary struct {
	Op string // "-", "not"
	X  node
}

type nodeBinary struct {
	Op string // arithmetic, comparison, membership, "and", "or"
	L  node
	R  node
}

type nodeList struct {
	Elems []node
}

type nodeDict struct {
	Keys   []node
	Values []node
}

// nodeCall is produced for call syntax. Evaluation rejects every call
// except the get builtin.
type nodeCall struct {
	Func node
	Args []node
}
