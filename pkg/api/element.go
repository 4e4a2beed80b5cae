package api

type (
	// ElementKind discriminates the renderable element variants
	ElementKind string

	// Element is one renderable UI item on a block. Text and URI are already
	// resolved for the session's language when the block is built. Buttons
	// carry the exit index they trigger
	Element struct {
		Kind      ElementKind `json:"kind"`
		Name      Name        `json:"name,omitempty"`
		Text      string      `json:"text,omitempty"`
		URI       string      `json:"uri,omitempty"`
		Class     string      `json:"class,omitempty"`
		Subtype   string      `json:"subtype,omitempty"`
		Mandatory bool        `json:"mandatory,omitempty"`
		Exit      int         `json:"exit,omitempty"`
		Options   []Option    `json:"options,omitempty"`
	}

	// Option is one selectable entry of a Select element
	Option struct {
		Label string `json:"label"`
		Value string `json:"value"`
	}
)

const (
	ElementLabel      ElementKind = "label"
	ElementInput      ElementKind = "input"
	ElementButton     ElementKind = "button"
	ElementMedia      ElementKind = "media"
	ElementLink       ElementKind = "link"
	ElementTextAssign ElementKind = "text_assign"
	ElementSelect     ElementKind = "select"
	ElementFileUpload ElementKind = "file_upload"
)

// AwaitsInput reports whether the element suspends the session until the
// user responds
func (e *Element) AwaitsInput() bool {
	switch e.Kind {
	case ElementInput, ElementButton, ElementSelect, ElementFileUpload:
		return true
	default:
		return false
	}
}
