package match

// Equal reports whether a and b are the same physical span: same kind, same
// text, and identical start and end line, column and offset. Children are not
// compared.
func Equal(a, b Node) bool {
	return a.Kind == b.Kind &&
		a.Text == b.Text &&
		a.Range.Start.Line == b.Range.Start.Line &&
		a.Range.Start.Column == b.Range.Start.Column &&
		a.Range.Start.Offset == b.Range.Start.Offset &&
		a.Range.End.Line == b.Range.End.Line &&
		a.Range.End.Column == b.Range.End.Column &&
		a.Range.End.Offset == b.Range.End.Offset
}

// ContainsEqual reports whether any node in nodes is Equal to n.
func ContainsEqual(nodes []Node, n Node) bool {
	for _, candidate := range nodes {
		if Equal(candidate, n) {
			return true
		}
	}
	return false
}
