package nn

import (
	"fmt"

	"github.com/headlands-org/go-stablelm/internal/tensor"
)

type Embedding struct {
	Weight *tensor.Tensor // [vocab, hidden]
}

func (m *Embedding) VocabSize() int { return m.Weight.Dim(0) }

// Forward gathers rows for ids and returns [len(ids), hidden]. Callers
// reshape to their batch layout.
func (m *Embedding) Forward(ids []int32) (*tensor.Tensor, error) {
	vocab, hidden := m.Weight.Dim(0), m.Weight.Dim(1)
	out := tensor.New(len(ids), hidden)
	for i, id := range ids {
		if id < 0 || int(id) >= vocab {
			return nil, fmt.Errorf("token %d at position %d outside vocabulary of %d", id, i, vocab)
		}
		copy(out.Data[i*hidden:(i+1)*hidden], m.Weight.Data[int(id)*hidden:(int(id)+1)*hidden])
	}
	return out, nil
}
