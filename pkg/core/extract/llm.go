package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PaesslerAG/jsonpath"
	"golang.org/x/time/rate"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/docstruct"
	"portfolio_reconciler/pkg/core/llm"
	"portfolio_reconciler/pkg/core/logging"
	"portfolio_reconciler/pkg/core/prompt"
	"portfolio_reconciler/pkg/core/utils"
)

const securitiesPath = "$.securities"

// replyItem is one holding of a model reply after field aliases are
// resolved. Items failing validation are dropped.
type replyItem struct {
	Identifier string  `json:"identifier" validate:"required,alphanum,min=7,max=12"`
	Name       string  `json:"name"`
	Value      string  `json:"value" validate:"required"`
	Currency   string  `json:"currency" validate:"omitempty,len=3,alpha"`
	Confidence float64 `json:"confidence" validate:"gte=0"`
}

// ReplyCache remembers model replies across runs.
type ReplyCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, provider, reply string) error
}

// LLMStrategy asks a language model to list the holdings. Records carry the
// model's own confidence.
type LLMStrategy struct {
	Provider llm.Provider
	Prompts  *prompt.Registry
	PromptID string
	// Analyzer supplies the locale and currency hints of the prompt.
	Analyzer *docstruct.Analyzer
	// Limiter throttles provider calls across concurrent runs.
	Limiter *rate.Limiter
	// MaxChars truncates the document sent to the model, 0 for no limit.
	MaxChars int
	Options  map[string]interface{}
	// Cache is optional.
	Cache ReplyCache
}

// NewLLMStrategy returns a strategy allowing one call per second with a
// burst of two.
func NewLLMStrategy(p llm.Provider) *LLMStrategy {
	return &LLMStrategy{
		Provider: p,
		Prompts:  prompt.Get(),
		PromptID: prompt.SecuritiesExtraction,
		Analyzer: docstruct.NewAnalyzer(docstruct.DefaultConfig()),
		Limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
		MaxChars: 200_000,
		Options:  map[string]interface{}{"response_format": map[string]interface{}{"type": "json_object"}},
	}
}

func (s *LLMStrategy) Name() string { return TagLLM }

func (s *LLMStrategy) Extract(ctx context.Context, text string) ([]candidate.Record, error) {
	vars := prompt.Vars{"Document": truncate(text, s.MaxChars)}
	if s.Analyzer != nil {
		st := s.Analyzer.Analyze(text)
		if st.Locale != "" {
			vars.Set("Locale", st.Locale.String())
		}
		if st.PrimaryCurrency != "" {
			vars.Set("Currency", st.PrimaryCurrency)
		}
	}
	system, user, err := s.Prompts.Render(s.PromptID, vars)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	key := cacheKey(system, user, s.Options)
	if s.Cache != nil {
		cached, ok, err := s.Cache.Get(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "reply cache lookup failed", "error", err)
		}
		if ok {
			logger.DebugContext(ctx, "using cached model reply", "key", key)
			return ParseLLMReply(cached)
		}
	}

	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llm: rate limiter: %w", err)
		}
	}
	reply, err := s.Provider.GenerateResponse(ctx, user, system, s.Options)
	if err != nil {
		return nil, err
	}
	recs, err := ParseLLMReply(reply)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		if err := s.Cache.Put(ctx, key, fmt.Sprintf("%T", s.Provider), reply); err != nil {
			logger.WarnContext(ctx, "reply cache store failed", "error", err)
		}
	}
	return recs, nil
}

// truncate cuts text to at most limit bytes without splitting a rune.
func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// cacheKey hashes everything that determines the model's answer.
func cacheKey(system, user string, options map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(user))
	if m, ok := options["model"].(string); ok {
		h.Write([]byte{0})
		h.Write([]byte(m))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParseLLMReply decodes a model reply into records. The reply may be wrapped
// in prose or code fences, be slightly malformed JSON, or be a bare array.
// A reply without a securities array is an error; items that fail
// validation are skipped.
func ParseLLMReply(reply string) ([]candidate.Record, error) {
	var doc interface{}
	if _, err := utils.SmartParse(reply, &doc); err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	if arr, ok := doc.([]interface{}); ok {
		doc = map[string]interface{}{"securities": arr}
	}

	items, err := jsonpath.Get(securitiesPath, doc)
	if err != nil {
		return nil, fmt.Errorf("llm: reply has no securities list: %w", err)
	}
	list, ok := items.([]interface{})
	if !ok {
		return nil, fmt.Errorf("llm: securities is %T, not a list", items)
	}

	out := make([]candidate.Record, 0, len(list))
	for _, it := range list {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		item := replyItem{
			Identifier: strings.ToUpper(strings.ReplaceAll(stringField(m, "identifier", "isin", "id"), " ", "")),
			Name:       stringField(m, "name"),
			Value:      stringField(m, "value", "market_value", "amount"),
			Currency:   strings.ToUpper(stringField(m, "currency")),
		}
		if c, ok := m["confidence"].(float64); ok {
			item.Confidence = c
		}
		if err := utils.ValidateStruct(item); err != nil {
			continue
		}

		rec := candidate.NewRecord(item.Identifier, TagLLM)
		rec.ValueToken = item.Value
		rec.Name = item.Name
		rec.Currency = item.Currency
		if item.Confidence > 0 {
			rec.Confidence = min(item.Confidence, 1)
		}
		out = append(out, rec)
	}
	return out, nil
}

// stringField returns the first present key of m as a string. Numbers are
// formatted without exponent so that they parse as plain amounts.
func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
