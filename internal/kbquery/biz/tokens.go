package biz

import (
	"sync"
	"unicode/utf8"

	"github.com/kart-io/logger"
	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// TokenCounter 计算文本的 token 数。
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter 按字符数估算 token（约 4 个字符一个 token）。
type EstimateCounter struct{}

// Count 实现 TokenCounter。
func (EstimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenCounter 基于 tiktoken 的精确计数。
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// Count 实现 TokenCounter。
func (c *TiktokenCounter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter 加载编码；编码不可用（例如离线环境无法下载词表）时退回估算。
func NewTokenCounter(encoding string) TokenCounter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warnw("Tiktoken encoding unavailable, using estimate", "encoding", encoding, "error", err.Error())
		return EstimateCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

// truncateToTokens 将文本截断到不超过 maxTokens。
func truncateToTokens(counter TokenCounter, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if counter.Count(text) <= maxTokens {
		return text
	}
	// 二分查找最长前缀
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
