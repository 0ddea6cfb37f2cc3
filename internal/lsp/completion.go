package lsp

import "encoding/json"

const completionItemKindText = 1

type completionEntry struct {
	label         string
	detail        string
	documentation string
}

// completionEntries is indexed by the item's data value minus one.
var completionEntries = []completionEntry{
	{label: "TypeScript", detail: "TypeScript details", documentation: "TypeScript documentation"},
	{label: "JavaScript", detail: "JavaScript details", documentation: "JavaScript documentation"},
}

func (s *Server) handleCompletion(msg *rpcMessage) error {
	var params completionParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return s.sendError(msg.ID, -32602, "invalid params")
		}
	}
	return s.sendResponse(msg.ID, buildCompletion())
}

// buildCompletion ignores the position; the list is the same everywhere.
func buildCompletion() []completionItem {
	items := make([]completionItem, 0, len(completionEntries))
	for i, entry := range completionEntries {
		data, _ := json.Marshal(i + 1)
		items = append(items, completionItem{
			Label: entry.label,
			Kind:  completionItemKindText,
			Data:  data,
		})
	}
	return items
}

func (s *Server) handleCompletionResolve(msg *rpcMessage) error {
	var item completionItem
	if err := json.Unmarshal(msg.Params, &item); err != nil {
		return s.sendError(msg.ID, -32602, "invalid params")
	}
	return s.sendResponse(msg.ID, resolveCompletion(item))
}

func resolveCompletion(item completionItem) completionItem {
	var index int
	if err := json.Unmarshal(item.Data, &index); err != nil {
		return item
	}
	if index < 1 || index > len(completionEntries) {
		return item
	}
	entry := completionEntries[index-1]
	item.Detail = entry.detail
	item.Documentation = entry.documentation
	return item
}
