package x

import (
	"testing"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/platform"
)

const statusPage = `<html><body><main>
<div data-testid="primaryColumn">
 <section role="region" aria-label="Timeline: Conversation">
  <article data-testid="tweet"><div data-testid="tweetText">focal post</div></article>
  <article data-testid="tweet"><div data-testid="tweetText">first reply</div></article>
  <article data-testid="tweet"><div data-testid="tweetText">Show more</div></article>
  <article data-testid="tweet"><div data-testid="tweetText">second reply</div></article>
 </section>
</div></main></body></html>`

func parse(t *testing.T, src, rawURL string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(src, rawURL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestLocateRoot_StatusPage(t *testing.T) {
	doc := parse(t, statusPage, "https://x.com/bob/status/1234")
	d := New().LocateRoot(doc)
	if d.Outcome != platform.Verified {
		t.Fatalf("outcome: %v", d.Outcome)
	}
	if !dom.Matches(d.Root, "section[role='region']") {
		t.Error("root should be the conversation region")
	}
}

func TestLocateRoot_HomeTimelineIsContextMismatch(t *testing.T) {
	doc := parse(t, statusPage, "https://x.com/home")
	if d := New().LocateRoot(doc); d.Outcome != platform.ContextMismatch {
		t.Errorf("outcome: %v", d.Outcome)
	}
}

func TestLocateRoot_Exhausted(t *testing.T) {
	doc := parse(t, `<main><section role="region"></section></main>`, "https://twitter.com/bob/status/9")
	d := New().LocateRoot(doc)
	if d.Outcome != platform.Exhausted || len(d.Attempted) != 3 {
		t.Errorf("got %+v", d)
	}
}

func TestExtractBodies_SkipsFocalPost(t *testing.T) {
	doc := parse(t, statusPage, "https://x.com/bob/status/1234")
	a := New()
	bodies := a.ExtractBodies(a.LocateRoot(doc).Root)
	var texts []string
	for _, b := range bodies {
		texts = append(texts, dom.Text(b))
	}
	if len(texts) != 2 || texts[0] != "first reply" || texts[1] != "second reply" {
		t.Errorf("bodies: %q", texts)
	}
}
