package inference

import (
	"strings"

	"github.com/samcharles93/qkernel/internal/tokenizer"
)

func BuildStopTokens(tok tokenizer.Tokenizer, cfg tokenizer.TokenizerConfig) []int {
	stopTokens := []int{cfg.EOSTokenID}
	if cfg.EOSTokenID < 0 {
		stopTokens = stopTokens[:0]
	}

	token2 := cfg.TokenString(2)
	if t, ok := tok.(interface{ TokenString(int) string }); ok && t.TokenString(2) != "" {
		token2 = t.TokenString(2)
	}
	token2 = strings.ToLower(strings.TrimSpace(token2))
	if token2 == "<|im_end|>" && cfg.EOSTokenID != 2 {
		stopTokens = append(stopTokens, 2)
	} else if cfg.EOSTokenID < 0 && (token2 == "<|endoftext|>" || token2 == "<|end_of_text|>" || token2 == "</s>") {
		stopTokens = append(stopTokens, 2)
	}
	return stopTokens
}
