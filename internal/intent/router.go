package intent

type Intent string

const (
	Normal Intent = "normal"
	Search Intent = "search"
	RAG    Intent = "rag"
	Upload Intent = "upload"
)

// User-facing mode labels. The prompts refer to them by name, so they must not change.
const (
	LabelPlainChat     = "plain chat"
	LabelWebSearch     = "web search"
	LabelCourseConsult = "course consult"
	LabelFileUpload    = "file upload"
)

var byLabel = map[string]Intent{
	LabelWebSearch:     Search,
	LabelCourseConsult: RAG,
	LabelFileUpload:    Upload,
}

func Labels() []string {
	return []string{LabelPlainChat, LabelWebSearch, LabelCourseConsult, LabelFileUpload}
}

// Route picks the handler for a turn. Attached files always mean an upload.
func Route(text string, files []string, declaredMode string) Intent {
	if len(files) > 0 {
		return Upload
	}
	if in, ok := byLabel[declaredMode]; ok {
		return in
	}
	return Normal
}
