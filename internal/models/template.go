package models

// Template is the scene-graph description produced by the document editor,
// consumed read-only by the renderer.
type Template struct {
	Objects []Element `json:"objects"`
}

// Element is one drawable object. Kind discriminates; only text kinds carry
// the typography fields.
type Element struct {
	Kind       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Left       float64 `json:"left"`
	Top        float64 `json:"top"`
	FontFamily string  `json:"fontFamily,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	Fill       string  `json:"fill,omitempty"`
}

// IsText reports whether the element kind is drawn as text. The editor emits
// both "text" and "i-text" for editable text objects.
func (e Element) IsText() bool {
	return e.Kind == "text" || e.Kind == "i-text"
}
