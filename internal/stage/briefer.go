package stage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/strategyd/internal/cost"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/pkg/perplexity"
)

// PerplexityBriefer implements Briefer with Perplexity's search-backed chat.
type PerplexityBriefer struct {
	client  perplexity.Client
	r       *runner
	domains []string
}

// NewBriefer returns a Briefer backed by client.
func NewBriefer(client perplexity.Client, s Settings, deps Deps) *PerplexityBriefer {
	return &PerplexityBriefer{
		client: client,
		r:      newRunner(model.StageBriefer, cost.ProviderPerplexity, s, deps),
	}
}

// WithDomains limits web search to domains. A "-" prefix excludes one.
func (b *PerplexityBriefer) WithDomains(domains ...string) *PerplexityBriefer {
	b.domains = domains
	return b
}

// Brief implements Briefer.
func (b *PerplexityBriefer) Brief(ctx context.Context, snap *model.Snapshot) (*model.Briefing, error) {
	prompt := BrieferPrompt(snap)
	rep, err := b.r.run(ctx, snap.ID, prompt, func(ctx context.Context) (reply, error) {
		temp := b.r.settings.Temperature
		maxTokens := int(b.r.settings.MaxTokens)
		resp, err := b.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Model: b.r.settings.Model,
			Messages: []perplexity.Message{
				{Role: "system", Content: brieferSystem},
				{Role: "user", Content: prompt},
			},
			Temperature:         &temp,
			MaxTokens:           &maxTokens,
			SearchRecencyFilter: "day",
			SearchDomainFilter:  b.domains,
		})
		if err != nil {
			var se *perplexity.StatusError
			if errors.As(err, &se) {
				return reply{}, transient(err, se.StatusCode)
			}
			return reply{}, err
		}
		return reply{
			text:      resp.Content(),
			model:     resp.Model,
			in:        int64(resp.Usage.PromptTokens),
			out:       int64(resp.Usage.CompletionTokens),
			citations: resp.Sources(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return ParseBriefing(snap.ID, rep.text, rep.citations), nil
}

// briefingDoc is the JSON shape the briefer is asked for.
type briefingDoc struct {
	Summary string          `json:"summary"`
	Events  json.RawMessage `json:"events"`
	Traffic json.RawMessage `json:"traffic"`
	Airport json.RawMessage `json:"airport"`
}

// ParseBriefing builds a Briefing from the briefer's raw answer. Answers
// that are not valid JSON are kept whole as the summary.
func ParseBriefing(snapshotID, text string, citations []string) *model.Briefing {
	br := &model.Briefing{
		ID:         uuid.New().String(),
		SnapshotID: snapshotID,
		Citations:  citations,
		Raw:        text,
		CreatedAt:  time.Now().UTC(),
	}

	var doc briefingDoc
	if err := json.Unmarshal([]byte(cleanJSON(text)), &doc); err != nil {
		br.Summary = text
		return br
	}
	br.Summary = doc.Summary
	br.Events = nonNull(doc.Events)
	br.Traffic = nonNull(doc.Traffic)
	br.Airport = nonNull(doc.Airport)
	if br.Summary == "" {
		br.Summary = text
	}
	return br
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
