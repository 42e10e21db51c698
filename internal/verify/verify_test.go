package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/autorenew/internal/browser/browsertest"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"github.com/xkilldash9x/autorenew/internal/site"
	"go.uber.org/zap/zaptest"
)

func phrases(t *testing.T) site.Phrases {
	t.Helper()
	p, err := site.Lookup(site.Default)
	require.NoError(t, err)
	return p.Outcomes
}

func TestClassify(t *testing.T) {
	c := NewClassifier(phrases(t))
	tests := []struct {
		name string
		text string
		want Outcome
	}{
		{"success", "Your server was renewed   SUCCESSFULLY.", Renewed},
		{"chinese success", "服务器续期成功", Renewed},
		{"not yet", "You can't renew your server yet", NotYetEligible},
		{"curly apostrophe", "You can’t renew your server yet", NotYetEligible},
		{"not yet beats success", "Renewed last week. Cannot renew again until Friday.", NotYetEligible},
		{"blocked beats everything", "Just a moment... renewed successfully", BlockedByChallenge},
		{"access denied", "Access Denied", BlockedByChallenge},
		{"unknown", "Server overview", Unknown},
		{"empty", "   ", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.text))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "can't renew now", Normalize("  CAN’T\n\tRenew   now "))
}

func TestTextFromHTML(t *testing.T) {
	text, err := TextFromHTML(`<html><head><style>.x{}</style></head><body><script>var renewed=1</script><p>Renewed</p></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Renewed", text)
}

func TestAwait(t *testing.T) {
	page := browsertest.NewPage()
	page.SetText("Loading...")

	v := New(phrases(t), 2*time.Second, retry.Fixed(5*time.Millisecond), zaptest.NewLogger(t))

	done := make(chan Outcome, 1)
	go func() { done <- v.Await(context.Background(), page) }()

	time.Sleep(20 * time.Millisecond)
	page.SetText("Server renewed successfully")

	select {
	case got := <-done:
		assert.Equal(t, Renewed, got)
	case <-time.After(3 * time.Second):
		t.Fatal("Await did not return")
	}
}

func TestAwaitTimesOutUnknown(t *testing.T) {
	page := browsertest.NewPage()
	page.SetText("Server overview")
	v := New(phrases(t), 50*time.Millisecond, retry.Fixed(5*time.Millisecond), zaptest.NewLogger(t))
	assert.Equal(t, Unknown, v.Await(context.Background(), page))
}

func TestAwaitFallsBackToMarkup(t *testing.T) {
	page := browsertest.NewPage()
	page.TextErr = errors.New("innerText unavailable")
	page.SetHTML(`<html><body><div class="alert">You cannot renew yet</div></body></html>`)
	v := New(phrases(t), time.Second, retry.Fixed(5*time.Millisecond), zaptest.NewLogger(t))
	assert.Equal(t, NotYetEligible, v.Await(context.Background(), page))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "renewed", Renewed.String())
	assert.Equal(t, "not_yet_eligible", NotYetEligible.String())
	assert.Equal(t, "blocked_by_challenge", BlockedByChallenge.String())
	assert.Equal(t, "unknown", Unknown.String())
}
