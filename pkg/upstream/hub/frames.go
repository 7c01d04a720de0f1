package hub

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-go-golems/relaybot/pkg/upstream"
)

// recordSeparator terminates every JSON record on the hub socket.
const recordSeparator = '\x1e'

// Frame types used by the hub protocol.
const (
	frameUpdate     = 1
	frameCompletion = 2
	frameClose      = 3
	frameInvocation = 4
	framePing       = 6
)

type frame struct {
	Type         int             `json:"type"`
	Target       string          `json:"target,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	Arguments    []updateArgs    `json:"arguments,omitempty"`
	Item         *completionItem `json:"item,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type updateArgs struct {
	Messages []hubMessage `json:"messages"`
}

type hubMessage struct {
	Author             string          `json:"author"`
	Text               string          `json:"text,omitempty"`
	MessageType        string          `json:"messageType,omitempty"`
	ContentOrigin      string          `json:"contentOrigin,omitempty"`
	AdaptiveCards      []adaptiveCard  `json:"adaptiveCards,omitempty"`
	SourceAttributions []attribution   `json:"sourceAttributions,omitempty"`
	SuggestedResponses []suggestedText `json:"suggestedResponses,omitempty"`
}

type adaptiveCard struct {
	Body []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"body"`
}

type attribution struct {
	SeeMoreURL string `json:"seeMoreUrl"`
}

type suggestedText struct {
	Text string `json:"text"`
}

type completionItem struct {
	Messages   []hubMessage `json:"messages"`
	Result     hubResult    `json:"result"`
	Throttling *struct {
		Current int `json:"numUserMessagesInConversation"`
		Max     int `json:"maxNumUserMessagesInConversation"`
	} `json:"throttling,omitempty"`
	ConversationExpiryTime string `json:"conversationExpiryTime,omitempty"`
}

type hubResult struct {
	Value   string `json:"value"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// limiterOrigin marks the reply the hub emits once the turn cap is hit.
const limiterOrigin = "TurnLimiter"

// splitRecords splits a socket message into its JSON records.
func splitRecords(msg []byte) [][]byte {
	var out [][]byte
	for _, rec := range bytes.Split(msg, []byte{recordSeparator}) {
		rec = bytes.TrimSpace(rec)
		if len(rec) == 0 {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func encodeRecord(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

// partialText returns the visible bot text carried by an update frame.
func (f frame) partialText() (string, bool) {
	for _, a := range f.Arguments {
		for _, m := range a.Messages {
			if m.Author != upstream.AuthorBot || isInternal(m) || m.Text == "" {
				continue
			}
			return m.Text, true
		}
	}
	return "", false
}

func isInternal(m hubMessage) bool {
	return strings.HasPrefix(m.MessageType, "Internal")
}

func (m hubMessage) cardText() string {
	var parts []string
	for _, c := range m.AdaptiveCards {
		for _, b := range c.Body {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// payload converts a completion item into the transport neutral payload.
func (it *completionItem) payload() *upstream.Payload {
	p := &upstream.Payload{}
	switch it.Result.Value {
	case "Success":
		p.Status = upstream.StatusSuccess
	case "Throttled":
		p.Status = upstream.StatusThrottled
	default:
		p.Status = upstream.StatusError
	}
	p.Error = it.Result.Error
	if p.Error == "" {
		p.Error = it.Result.Message
	}
	if it.Throttling != nil {
		p.Throttling = &upstream.Throttling{Current: it.Throttling.Current, Max: it.Throttling.Max}
	}
	if it.ConversationExpiryTime != "" {
		if t, err := time.Parse(time.RFC3339, it.ConversationExpiryTime); err == nil {
			p.Expiry = t
		}
	}
	for _, m := range it.Messages {
		frag := upstream.Fragment{
			Author:   m.Author,
			Text:     m.Text,
			CardText: m.cardText(),
			Internal: isInternal(m),
			Limiter:  m.ContentOrigin == limiterOrigin,
		}
		for _, a := range m.SourceAttributions {
			frag.Attributions = append(frag.Attributions, a.SeeMoreURL)
		}
		for _, s := range m.SuggestedResponses {
			if s.Text != "" {
				frag.Suggestions = append(frag.Suggestions, s.Text)
			}
		}
		p.Fragments = append(p.Fragments, frag)
	}
	return p
}

// optionSets returns the per style option flags sent with every invocation.
func optionSets(style upstream.Style) []string {
	base := []string{
		"nlu_direct_response_filter",
		"deepleo",
		"disable_emoji_spoken_text",
		"responsible_ai_policy_235",
		"enablemm",
		"dv3sugg",
	}
	switch style {
	case upstream.StyleCreative:
		return append(base, "h3imaginative", "clgalileo", "gencontentv3")
	case upstream.StylePrecise:
		return append(base, "h3precise", "clgalileo")
	default:
		return append(base, "galileo")
	}
}
