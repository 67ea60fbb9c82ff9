// Package classify tags logical lines from the chat host with a message kind.
//
// Patterns are tried in a fixed order and the first match wins. The private
// forms ("From X (whispered): ...", "From X (to you): ...") share a prefix
// with public chat, so they are anchored on their parenthetical before the
// bare "From X: ..." form is tried.
package classify

import (
	"regexp"
	"strings"

	"github.com/jxucoder/bbsbot/model"
)

// JoinMarker is the line that precedes a two-line entrance announcement.
const JoinMarker = ":***"

var (
	whisperPattern  = regexp.MustCompile(`^From (.+?) \(whispered\): (.+)$`)
	pagePattern     = regexp.MustCompile(`^(.+?) is paging you (?:from|via) (.+?): (.+)$`)
	directPattern   = regexp.MustCompile(`^From (.+?) \(to you\): (.+)$`)
	publicPattern   = regexp.MustCompile(`^From (.+?): (.+)$`)
	addressPattern  = regexp.MustCompile(`[^\s@]+@[^\s@]+`)
	completePattern = regexp.MustCompile(`(?:is|are) here with you\.$`)
	joinPattern     = regexp.MustCompile(`^(.+?) just joined this channel!`)

	logoffPrompt = "please finish up and log off."
	morePrompt   = "(n)onstop, (q)uit, or (c)ontinue?"
)

// Line classifies line given the clean text of the line before it. It has no
// side effects, so classifying the same inputs always yields the same event.
func Line(line model.LogicalLine, prev string) model.MessageEvent {
	clean := line.Clean
	ev := model.MessageEvent{Kind: model.KindUnclassified, Body: clean, Source: line}

	if m := whisperPattern.FindStringSubmatch(clean); m != nil {
		ev.Kind, ev.Sender, ev.Body = model.KindWhisper, m[1], m[2]
		return ev
	}
	if m := pagePattern.FindStringSubmatch(clean); m != nil {
		ev.Kind, ev.Sender, ev.Channel, ev.Body = model.KindPage, m[1], m[2], m[3]
		return ev
	}
	if m := directPattern.FindStringSubmatch(clean); m != nil {
		ev.Kind, ev.Sender, ev.Body = model.KindDirect, m[1], m[2]
		return ev
	}
	if m := publicPattern.FindStringSubmatch(clean); m != nil {
		ev.Kind, ev.Sender, ev.Body = model.KindPublic, m[1], m[2]
		return ev
	}

	trimmed := strings.TrimSpace(clean)
	complete := completePattern.MatchString(trimmed)
	join := joinPattern.FindStringSubmatch(trimmed)
	entrance, arrow := arrowJoin(trimmed, prev)

	if addressPattern.MatchString(clean) && !complete && join == nil && !arrow {
		ev.Kind = model.KindRosterFragment
		return ev
	}
	if complete {
		ev.Kind = model.KindRosterComplete
		return ev
	}
	if join != nil {
		ev.Kind, ev.Sender = model.KindJoin, StripHost(join[1])
		return ev
	}
	if arrow {
		ev.Kind, ev.Sender, ev.Body = model.KindJoin, StripHost(strings.Fields(entrance)[0]), entrance
		return ev
	}

	lower := strings.ToLower(trimmed)
	switch {
	case strings.Contains(lower, logoffPrompt):
		ev.Kind, ev.Prompt = model.KindSystemPrompt, model.PromptForcedLogoff
	case strings.Contains(lower, morePrompt):
		ev.Kind, ev.Prompt = model.KindSystemPrompt, model.PromptMore
	}
	return ev
}

// arrowJoin reports whether trimmed is the second line of a ":***" / "-> user"
// entrance announcement, returning the text after the arrow.
func arrowJoin(trimmed, prev string) (string, bool) {
	if strings.TrimSpace(prev) != JoinMarker || !strings.HasPrefix(trimmed, "->") {
		return "", false
	}
	entrance := strings.TrimSpace(strings.TrimPrefix(trimmed, "->"))
	if entrance == "" {
		return "", false
	}
	return entrance, true
}

// StripHost returns the user part of a user@host address.
func StripHost(name string) string {
	if i := strings.IndexByte(name, '@'); i > 0 {
		return name[:i]
	}
	return name
}

// Classifier carries the previous clean line between calls so it can
// recognise the two-line join announcement.
//
// A Classifier is not safe for concurrent use.
type Classifier struct {
	prev string
}

// New returns a Classifier with no line history.
func New() *Classifier {
	return &Classifier{}
}

// Classify tags line and remembers it as the previous line.
func (c *Classifier) Classify(line model.LogicalLine) model.MessageEvent {
	ev := Line(line, c.prev)
	c.prev = line.Clean
	return ev
}

// Reset forgets the previous line.
func (c *Classifier) Reset() {
	c.prev = ""
}
