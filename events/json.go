package events

import (
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// JSONHandler renders data events as a JSON document. Groups become objects, scalars become
// numbers and bit sequences become strings of '0' and '1'.
type JSONHandler struct {
	writer *jwriter.Writer
	stack  []jwriter.ObjectState
}

var _ Handler = &JSONHandler{}

func NewJSONHandler() *JSONHandler {
	writer := jwriter.NewWriter()
	h := &JSONHandler{writer: &writer}
	h.stack = append(h.stack, writer.Object())
	return h
}

func (h *JSONHandler) top() *jwriter.ObjectState {
	return &h.stack[len(h.stack)-1]
}

func (h *JSONHandler) StartGroup(name string, size int) {
	obj := h.top().Name(name).Object()
	if size >= 0 {
		obj.Name("Size").Int(size)
	}
	h.stack = append(h.stack, obj)
}

func (h *JSONHandler) EndGroup() {
	if len(h.stack) < 2 {
		panic("EndGroup called without a matching StartGroup")
	}
	h.top().End()
	h.stack = h.stack[:len(h.stack)-1]
}

func (h *JSONHandler) Value(name string, value int) {
	h.top().Name(name).Int(value)
}

func (h *JSONHandler) Values(name string, values []int) {
	arr := h.top().Name(name).Array()
	for _, value := range values {
		arr.Int(value)
	}
	arr.End()
}

func (h *JSONHandler) Symbols(name string, words []uint64, count int, bitsPerSymbol int) {
	var sb strings.Builder
	sb.Grow(count)
	for i := 0; i < count; i++ {
		if words[i>>6]&(uint64(1)<<(i&63)) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	h.top().Name(name).String(sb.String())
}

// Bytes closes the document and returns the rendered JSON. The handler must not be used
// afterward.
func (h *JSONHandler) Bytes() ([]byte, error) {
	if len(h.stack) != 1 {
		return nil, errors.Errorf("%d groups were left open", len(h.stack)-1)
	}
	h.stack[0].End()
	h.stack = nil

	if err := h.writer.Error(); err != nil {
		return nil, err
	}
	return h.writer.Bytes(), nil
}
