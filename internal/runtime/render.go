package runtime

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kode4food/lru"

	"github.com/waypost/engine/pkg/api"
)

type (
	// Renderer substitutes session variables into element text. Substituted
	// results are cached keyed by the template and the values it referenced,
	// so repeated renders of stable text cost one lookup
	Renderer struct {
		cache *lru.Cache[string]
	}

	// RenderedElement is one UI element with its text fully resolved
	RenderedElement struct {
		Kind      api.ElementKind `json:"kind"`
		Name      api.Name        `json:"name,omitempty"`
		Text      string          `json:"text,omitempty"`
		URI       string          `json:"uri,omitempty"`
		Class     string          `json:"class,omitempty"`
		Subtype   string          `json:"subtype,omitempty"`
		Mandatory bool            `json:"mandatory,omitempty"`
		Exit      int             `json:"exit,omitempty"`
		Options   []api.Option    `json:"options,omitempty"`
	}

	// RenderBuffer accumulates the elements rendered while stepping. The
	// buffer spans blocks: a step that traverses several non-input blocks
	// emits all of their elements in traversal order
	RenderBuffer struct {
		elements  []*RenderedElement
		lastLabel string
	}
)

// varToken matches a sigiled variable reference inside element text
var varToken = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)

// NewRenderer creates a renderer with a substitution cache of the given
// capacity
func NewRenderer(cacheSize int) *Renderer {
	return &Renderer{cache: lru.NewCache[string](cacheSize)}
}

// Substitute replaces every $name token in text with the session's value
// for that variable. Unknown names are left untouched so authoring
// mistakes stay visible
func (r *Renderer) Substitute(s *Session, text string) string {
	if !strings.ContainsRune(text, api.Sigil) {
		return text
	}
	key := substitutionKey(s, text)
	res, _ := r.cache.Get(key, func() (string, error) {
		return varToken.ReplaceAllStringFunc(text, func(token string) string {
			v, ok := s.Var(api.Name(token))
			if !ok {
				return token
			}
			return renderValue(v)
		}), nil
	})
	return res
}

// Element renders one element against the session's variables
func (r *Renderer) Element(s *Session, e *api.Element) *RenderedElement {
	return &RenderedElement{
		Kind:      e.Kind,
		Name:      e.Name,
		Text:      r.Substitute(s, e.Text),
		URI:       r.Substitute(s, e.URI),
		Class:     e.Class,
		Subtype:   e.Subtype,
		Mandatory: e.Mandatory,
		Exit:      e.Exit,
		Options:   e.Options,
	}
}

// renderValue formats a variable for inline display. JSON composites are
// rendered compact; explicit null renders empty
func renderValue(v *api.Variable) string {
	switch v.Kind {
	case api.VariableNull:
		return ""
	case api.VariableJSON:
		data, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Sprintf("%v", v.Value)
		}
		return string(data)
	}
	switch val := v.Value.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// substitutionKey digests the template together with the values of the
// variables it references, so a changed variable misses the cache. Token
// names all carry the sigil, so the template key cannot collide
func substitutionKey(s *Session, text string) string {
	args := api.Args{"template": text}
	for _, token := range varToken.FindAllString(text, -1) {
		if v, ok := s.Var(api.Name(token)); ok {
			args = args.Set(api.Name(token), renderValue(v))
		}
	}
	key, err := args.HashKey()
	if err != nil {
		return text
	}
	return key
}

// Add appends a rendered element, tracking the most recent label text
func (b *RenderBuffer) Add(e *RenderedElement) {
	b.elements = append(b.elements, e)
	if e.Kind == api.ElementLabel && e.Text != "" {
		b.lastLabel = e.Text
	}
}

// Elements returns the buffered elements in traversal order
func (b *RenderBuffer) Elements() []*RenderedElement {
	return b.elements
}

// Mark returns a position usable with TranscriptSince to scope output to
// one block's contribution
func (b *RenderBuffer) Mark() int {
	return len(b.elements)
}

// TranscriptSince flattens the elements added after mark to one line of
// text for history
func (b *RenderBuffer) TranscriptSince(mark int) string {
	var sb strings.Builder
	for _, e := range b.elements[mark:] {
		if e.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(e.Text)
	}
	return sb.String()
}

// LastLabel returns the text of the most recently rendered label
func (b *RenderBuffer) LastLabel() string {
	return b.lastLabel
}

// AwaitsInput reports whether any buffered element needs user input
func (b *RenderBuffer) AwaitsInput() bool {
	for _, e := range b.elements {
		el := api.Element{Kind: e.Kind}
		if el.AwaitsInput() {
			return true
		}
	}
	return false
}

// Transcript flattens the whole buffer to one line of text
func (b *RenderBuffer) Transcript() string {
	return b.TranscriptSince(0)
}
