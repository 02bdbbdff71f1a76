package models

import (
	"errors"

	"github.com/daulet/tokenizers"
)

// Tokenizer wraps a HuggingFace tokenizer.json for fixed-context text
// encoders such as the CLIP text tower.
type Tokenizer struct {
	tk    *tokenizers.Tokenizer
	padID int64
}

func NewTokenizer(path string, padID int64) (*Tokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{tk: tk, padID: padID}, nil
}

// Encode returns input ids and the attention mask, both exactly maxLen
// long. Over-long input is truncated but keeps its final (end-of-text)
// token so the encoder still sees a terminated sequence.
func (t *Tokenizer) Encode(text string, maxLen int) ([]int64, []int64, error) {
	ids, _ := t.tk.Encode(text, true)
	if len(ids) == 0 {
		return nil, nil, errors.New("tokenizer produced no tokens")
	}
	if len(ids) > maxLen {
		last := ids[len(ids)-1]
		ids = append(ids[:maxLen-1:maxLen-1], last)
	}

	inputIDs := make([]int64, maxLen)
	mask := make([]int64, maxLen)

	for i := range inputIDs {
		if i < len(ids) {
			inputIDs[i] = int64(ids[i])
			mask[i] = 1
			continue
		}
		inputIDs[i] = t.padID
	}

	return inputIDs, mask, nil
}

func (t *Tokenizer) Close() error {
	return t.tk.Close()
}
