// Package verify classifies the page after a renewal attempt.
package verify

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"github.com/xkilldash9x/autorenew/internal/site"
	"go.uber.org/zap"
)

// Outcome is the classified result of a run.
type Outcome int

const (
	Unknown Outcome = iota
	Renewed
	NotYetEligible
	BlockedByChallenge
)

func (o Outcome) String() string {
	switch o {
	case Renewed:
		return "renewed"
	case NotYetEligible:
		return "not_yet_eligible"
	case BlockedByChallenge:
		return "blocked_by_challenge"
	default:
		return "unknown"
	}
}

// Classifier maps page text to an Outcome.
type Classifier struct {
	phrases site.Phrases
}

// NewClassifier normalizes the phrase tables once.
func NewClassifier(p site.Phrases) Classifier {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if n := Normalize(s); n != "" {
				out = append(out, n)
			}
		}
		return out
	}
	return Classifier{phrases: site.Phrases{
		Blocked: norm(p.Blocked),
		NotYet:  norm(p.NotYet),
		Success: norm(p.Success),
	}}
}

// Classify applies the phrase tables in precedence order: blocking, then
// not yet eligible, then success. Text matching none of them is Unknown.
func (c Classifier) Classify(text string) Outcome {
	t := Normalize(text)
	if t == "" {
		return Unknown
	}
	switch {
	case containsAny(t, c.phrases.Blocked):
		return BlockedByChallenge
	case containsAny(t, c.phrases.NotYet):
		return NotYetEligible
	case containsAny(t, c.phrases.Success):
		return Renewed
	default:
		return Unknown
	}
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

// Normalize lowercases text, unifies apostrophes and collapses whitespace
// runs to a single space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(apostrophes.Replace(strings.ToLower(text))), " ")
}

// TextFromHTML extracts the visible text of a document, skipping script and
// style contents.
func TextFromHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, template").Remove()
	return doc.Find("body").Text(), nil
}

// Verifier polls the page until it can be classified.
type Verifier struct {
	classifier Classifier
	timeout    time.Duration
	interval   retry.Jitter
	logger     *zap.Logger
}

// New creates a Verifier.
func New(p site.Phrases, timeout time.Duration, interval retry.Jitter, logger *zap.Logger) *Verifier {
	return &Verifier{
		classifier: NewClassifier(p),
		timeout:    timeout,
		interval:   interval,
		logger:     logger.Named("verify"),
	}
}

// Classify classifies text with the verifier's phrase tables.
func (v *Verifier) Classify(text string) Outcome {
	return v.classifier.Classify(text)
}

// Await polls the page text until it classifies as something other than
// Unknown, or the timeout elapses. The last classification is returned.
func (v *Verifier) Await(ctx context.Context, page browser.Page) Outcome {
	outcome := Unknown
	retry.Poll(ctx, v.timeout, v.interval, func(ctx context.Context) bool {
		text, err := v.pageText(ctx, page)
		if err != nil {
			v.logger.Debug("Could not read page text.", zap.Error(err))
			return false
		}
		outcome = v.classifier.Classify(text)
		return outcome != Unknown
	})
	v.logger.Info("Outcome classified.", zap.Stringer("outcome", outcome))
	return outcome
}

func (v *Verifier) pageText(ctx context.Context, page browser.Page) (string, error) {
	text, err := page.Text(ctx)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	html, herr := page.HTML(ctx)
	if herr != nil {
		if err != nil {
			return "", err
		}
		return "", herr
	}
	return TextFromHTML(html)
}
