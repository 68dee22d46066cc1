package rules

// FileView is what every rule found in one file. It is the payload of the
// per-file update message.
type FileView struct {
	RelativeFilePath string       `json:"relativeFilePath"`
	Rules            []FileResult `json:"rules"`
}

// FileResult is one rule's snippets within a FileView.
type FileResult struct {
	ID       string     `json:"index"`
	Title    string     `json:"title"`
	Snippets SnippetSet `json:"snippets"`
}

// ViewOfFile collects the results recorded for relativeFilePath across table.
// Rules without a result for the file are left out.
func ViewOfFile(table []Rule, relativeFilePath string) FileView {
	view := FileView{RelativeFilePath: relativeFilePath, Rules: []FileResult{}}
	for _, r := range table {
		if pr, ok := r.resultFor(relativeFilePath); ok {
			view.Rules = append(view.Rules, FileResult{ID: r.ID, Title: r.Title, Snippets: pr.Snippets})
		}
	}
	return view
}

func (r Rule) resultFor(relativeFilePath string) (PathResult, bool) {
	for _, entry := range r.Results {
		for _, pr := range entry {
			if pr.RelativeFilePath == relativeFilePath {
				return pr, true
			}
		}
	}
	return PathResult{}, false
}
