package conversation

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenCounter 计算文本的 token 数。
type TokenCounter interface {
	CountText(text string) int
}

// Tokenizer 优先使用 tiktoken，加载失败时回退到启发式估算。
// 编码表在首次计数时才加载，离线环境下加载失败不影响会话管理。
type Tokenizer struct {
	encodingName string
	once         sync.Once
	encoder      *tiktoken.Tiktoken
	mu           sync.Mutex
}

// NewTokenizer 创建 Tokenizer，encodingName 为空时使用 cl100k_base。
func NewTokenizer(encodingName string) *Tokenizer {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	return &Tokenizer{encodingName: encodingName}
}

// CountText 实现 TokenCounter。
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encodingName)
		if err == nil {
			t.encoder = enc
		}
	})
	if t.encoder == nil {
		return HeuristicCounter{}.CountText(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// Precise 表示是否使用 tiktoken 精确计数。
func (t *Tokenizer) Precise() bool {
	t.CountText(" ")
	return t.encoder != nil
}

// HeuristicCounter 以 CJK 约 1.5 token/字、其他约 4 字符/token 估算。
type HeuristicCounter struct{}

// CountText 实现 TokenCounter。
func (HeuristicCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	cjk, other := 0, 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	estimate := int(float64(cjk)*1.5 + float64(other)*0.25)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
