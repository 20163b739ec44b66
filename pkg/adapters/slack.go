package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"atlas/pkg/logx"
	"atlas/pkg/record"
)

const slackAPIBase = "https://slack.com/api"

// Slack searches workspace messages through the Slack Web API. The
// search endpoint requires a user token; the bot token is used as a
// fallback and for auth probes.
type Slack struct {
	botToken  string
	userToken string
	logger    *logx.Logger
}

// NewSlack creates the Slack adapter.
func NewSlack(creds Credentials) *Slack {
	return &Slack{
		botToken:  creds.SlackBotToken,
		userToken: creds.SlackUserToken,
		logger:    logx.NewLogger("slack"),
	}
}

// Name implements envelope.Backend.
func (s *Slack) Name() string {
	return record.SourceSlack.String()
}

func (s *Slack) searchToken() string {
	if s.userToken != "" {
		return s.userToken
	}
	return s.botToken
}

type slackSearchResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Messages struct {
		Matches []struct {
			TS        string `json:"ts"`
			Text      string `json:"text"`
			User      string `json:"user"`
			Username  string `json:"username"`
			Permalink string `json:"permalink"`
			Channel   struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"channel"`
		} `json:"matches"`
	} `json:"messages"`
}

// Search runs search.messages sorted by relevance score.
func (s *Slack) Search(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	endpoint := slackAPIBase + "/search.messages?" + url.Values{
		"query":    {q.Query},
		"count":    {strconv.Itoa(q.Limit)},
		"sort":     {"score"},
		"sort_dir": {"desc"},
	}.Encode()

	var payload slackSearchResponse
	header := http.Header{"Authorization": {"Bearer " + s.searchToken()}}
	if err := getJSON(ctx, s.Name(), endpoint, header, &payload); err != nil {
		return nil, err
	}
	if !payload.OK {
		return nil, fmt.Errorf("slack search: %s", payload.Error)
	}

	records := make([]record.Record, 0, len(payload.Messages.Matches))
	for _, msg := range payload.Messages.Matches {
		channel := msg.Channel.Name
		if channel == "" {
			channel = "unknown"
		}
		records = append(records, record.Record{
			ID:      msg.TS,
			Title:   "Message in #" + channel,
			Content: msg.Text,
			Source:  s.Name(),
			URL:     msg.Permalink,
			Metadata: map[string]any{
				"channel_id":   msg.Channel.ID,
				"channel_name": msg.Channel.Name,
				"user":         msg.User,
				"username":     msg.Username,
			},
		})
	}
	s.logger.Debug("search returned %d messages", len(records))
	return records, nil
}

// Ping verifies the bot token against auth.test.
func (s *Slack) Ping(ctx context.Context) error {
	var payload struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	header := http.Header{"Authorization": {"Bearer " + s.botToken}}
	if err := getJSON(ctx, s.Name(), slackAPIBase+"/auth.test", header, &payload); err != nil {
		return err
	}
	if !payload.OK {
		return fmt.Errorf("slack auth: %s", payload.Error)
	}
	return nil
}
