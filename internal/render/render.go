// Package render turns a scene-graph template plus a binding map into a
// finished PDF document.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"CertMailer/internal/models"
)

// ErrBadTemplate is returned when the template is absent or carries no
// element list at all. Unsupported element kinds are not an error.
var ErrBadTemplate = errors.New("render: missing or malformed template")

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Substitute replaces every {{key}} occurrence with the bound value. Keys
// match case-insensitively and tolerate whitespace inside the braces.
// Placeholders with no binding are left untouched.
func Substitute(text string, bindings map[string]string) string {
	if len(bindings) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	lower := make(map[string]string, len(bindings))
	for k, v := range bindings {
		lower[strings.ToLower(k)] = v
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := lower[strings.ToLower(key)]; ok {
			return v
		}
		return match
	})
}

// Renderer draws templates onto a fixed-size page. The page size is not
// derived from template metadata; it matches the editor canvas.
type Renderer struct {
	PageWidth  float64
	PageHeight float64
}

func New(pageWidth, pageHeight float64) *Renderer {
	return &Renderer{PageWidth: pageWidth, PageHeight: pageHeight}
}

// Render walks the template's elements in order, substitutes bindings into
// text content and draws it. Non-text kinds are skipped, never aborting the
// remaining elements.
func (r *Renderer) Render(tpl *models.Template, bindings map[string]string) ([]byte, error) {
	if tpl == nil || tpl.Objects == nil {
		return nil, ErrBadTemplate
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: r.PageWidth, Ht: r.PageHeight},
	})
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	for _, el := range tpl.Objects {
		if !el.IsText() {
			continue
		}

		text := Substitute(el.Text, bindings)

		size := el.FontSize
		if size <= 0 {
			size = 20
		}
		pdf.SetFont(coreFont(el.FontFamily), "", size)

		red, green, blue := parseFill(el.Fill)
		pdf.SetTextColor(red, green, blue)

		// The template origin is top-left with y growing downward; PDF pages
		// are bottom-left with y growing upward. gofpdf already measures y
		// from the top edge, so placing the baseline at top+size lands the
		// glyphs at pageHeight-top-size in PDF space.
		pdf.Text(el.Left, el.Top+size, text)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render: write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// coreFont maps an editor font family onto one of the built-in PDF fonts.
func coreFont(family string) string {
	switch f := strings.ToLower(family); {
	case strings.Contains(f, "times"), strings.Contains(f, "serif") && !strings.Contains(f, "sans"):
		return "Times"
	case strings.Contains(f, "courier"), strings.Contains(f, "mono"):
		return "Courier"
	default:
		return "Helvetica"
	}
}

// parseFill decodes a #rgb or #rrggbb fill into RGB, defaulting to black.
func parseFill(fill string) (int, int, int) {
	s := strings.TrimPrefix(strings.TrimSpace(fill), "#")
	switch len(s) {
	case 3:
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	case 6:
	default:
		return 0, 0, 0
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0
	}
	return int(n >> 16 & 0xff), int(n >> 8 & 0xff), int(n & 0xff)
}
