package tokens

import (
	"context"
	"sync"

	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used when the model has no registered encoding.
const fallbackEncoding = "cl100k_base"

// Encoder is the subset of *tiktoken.Tiktoken the meter needs.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Meter counts tokens and prices them. A Meter whose tokenizer cannot be loaded counts zero.
type Meter struct {
	model      string
	inputRate  float64
	outputRate float64
	logger     *logx.Logger

	once sync.Once
	enc  Encoder
}

// NewMeter 创建计量器，分词器在首次计数时懒加载
func NewMeter(model string, inputRate, outputRate float64, logger *logx.Logger) *Meter {
	return &Meter{model: model, inputRate: inputRate, outputRate: outputRate, logger: logger}
}

// NewMeterWithEncoder skips tokenizer loading.
func NewMeterWithEncoder(enc Encoder, inputRate, outputRate float64) *Meter {
	m := &Meter{inputRate: inputRate, outputRate: outputRate, enc: enc, logger: logx.Nop()}
	m.once.Do(func() {})
	return m
}

func (m *Meter) load() {
	enc, err := tiktoken.EncodingForModel(m.model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		// 离线环境下BPE文件可能无法下载，计数退化为0
		m.logger.Warn(context.Background(), "分词器加载失败，token计数将为0",
			logx.KV("model", m.model), logx.KV("error", err))
		return
	}
	m.enc = enc
}

// Count returns the number of tokens in text, or 0 when no tokenizer is available.
func (m *Meter) Count(text string) int {
	if text == "" {
		return 0
	}
	m.once.Do(m.load)
	if m.enc == nil {
		return 0
	}
	return len(m.enc.Encode(text, nil, nil))
}

// CountAll sums Count over texts.
func (m *Meter) CountAll(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += m.Count(t)
	}
	return n
}

// EstimateCost prices a call. Rates are per 1K tokens.
func (m *Meter) EstimateCost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*m.inputRate + float64(completionTokens)/1000*m.outputRate
}

// Usage builds a priced Usage.
func (m *Meter) Usage(promptTokens, completionTokens int) Usage {
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             m.EstimateCost(promptTokens, completionTokens),
	}
}
