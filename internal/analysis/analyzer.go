package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"paperflow/internal/config"
	"paperflow/internal/domain"
	"paperflow/internal/logger"
)

// Generator - один вызов генеративной модели
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const summaryPrompt = "Summarize what this text is about in a short description: %s"

const classifyPrompt = `Classify the following text into EXACTLY ONE of the following categories:

%s

ANSWER WITH ONLY THE CATEGORY NAME. NOTHING ELSE.

Text:
%s
`

const changeSummaryPrompt = `You are generating a concise change summary between two document versions.

OLD VERSION TEXT:
<<<%s>>>

NEW VERSION TEXT:
<<<%s>>>

Rules:
- Output 3-8 bullet points.
- Focus on what changed (added/removed/modified).
- If mostly OCR noise/formatting, say so.
- Do not restate the whole document.
Return only the bullet list.
`

// LLMAnalyzer реализует суммаризацию, классификацию и сравнение версий
// поверх произвольной генеративной модели
type LLMAnalyzer struct {
	gen          Generator
	maxChars     int
	diffMaxChars int
	timeout      time.Duration
	log          *logger.Logger
}

func NewLLMAnalyzer(gen Generator, cfg config.AnalysisConfig, log *logger.Logger) *LLMAnalyzer {
	return &LLMAnalyzer{
		gen:          gen,
		maxChars:     cfg.MaxChars,
		diffMaxChars: cfg.DiffMaxChars,
		timeout:      cfg.RequestTimeout,
		log:          log.With("component", "llm_analyzer"),
	}
}

func (a *LLMAnalyzer) generate(ctx context.Context, op, prompt string) (string, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	started := time.Now()
	out, err := a.gen.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%s: model call failed: %w", op, err)
	}
	a.log.Debug("model call finished", "op", op, "prompt_chars", len(prompt), "elapsed", time.Since(started))
	return strings.TrimSpace(out), nil
}

// Summarize возвращает краткое описание. Для пустого текста модель не вызывается.
func (a *LLMAnalyzer) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	return a.generate(ctx, "summarize", fmt.Sprintf(summaryPrompt, clipHead(text, a.maxChars)))
}

// Classify относит текст к одной из категорий ClassificationTags.
// Нераспознанный ответ модели даёт TagOther.
func (a *LLMAnalyzer) Classify(ctx context.Context, text string) (domain.Tag, error) {
	if strings.TrimSpace(text) == "" {
		return domain.TagOther, nil
	}

	names := make([]string, len(domain.ClassificationTags))
	for i, t := range domain.ClassificationTags {
		names[i] = "- " + titleCase(t.String())
	}
	prompt := fmt.Sprintf(classifyPrompt, strings.Join(names, "\n"), clipHead(text, a.maxChars))

	out, err := a.generate(ctx, "classify", prompt)
	if err != nil {
		return "", err
	}
	tag := parseClassification(out)
	if tag == domain.TagOther && !strings.EqualFold(strings.Trim(out, "\"'. "), "other") {
		a.log.Warn("unrecognized classification, falling back", "answer", out, "tag", tag)
	}
	return tag, nil
}

// ChangeSummary возвращает маркированный список отличий новой версии от старой
func (a *LLMAnalyzer) ChangeSummary(ctx context.Context, oldText, newText string) (string, error) {
	if strings.TrimSpace(oldText) == "" && strings.TrimSpace(newText) == "" {
		return "", nil
	}
	prompt := fmt.Sprintf(changeSummaryPrompt,
		clipMiddle(oldText, a.diffMaxChars),
		clipMiddle(newText, a.diffMaxChars),
	)
	return a.generate(ctx, "change_summary", prompt)
}

// parseClassification сначала ищет точное совпадение, затем первое
// упоминание категории целым словом: модели любят кавычки, точки и
// пояснения вокруг ответа. Категория сразу после отрицания ("not an
// invoice") пропускается.
func parseClassification(answer string) domain.Tag {
	cleaned := strings.Trim(strings.TrimSpace(answer), "\"'`.* ")
	if tag, err := domain.ParseTag(cleaned); err == nil && tag != domain.TagUnclassified {
		return tag
	}

	words := strings.FieldsFunc(strings.ToLower(answer), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for i, w := range words {
		tag, ok := tagWord(w)
		if !ok || negated(words[max(0, i-negationWindow):i]) {
			continue
		}
		return tag
	}
	return domain.TagOther
}

const negationWindow = 2

var negations = map[string]bool{"not": true, "no": true, "non": true, "never": true, "isn": true, "neither": true, "nor": true}

func tagWord(w string) (domain.Tag, bool) {
	for _, t := range domain.ClassificationTags {
		if w == t.String() || w == t.String()+"s" {
			return t, true
		}
	}
	return "", false
}

func negated(prev []string) bool {
	for _, w := range prev {
		if negations[w] {
			return true
		}
	}
	return false
}

// clipHead оставляет первые max символов
func clipHead(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// clipMiddle сохраняет начало и конец текста, вырезая середину
func clipMiddle(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	half := max / 2
	return string(runes[:half]) + "\n...\n" + string(runes[len(runes)-half:])
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return strings.ToUpper(string(r)) + s[size:]
}
