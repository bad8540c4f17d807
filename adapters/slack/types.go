package slack

// Wire shapes for the subset of the web API and Socket Mode protocol this
// adapter speaks.

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type authTestResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	User   string `json:"user"`
	UserID string `json:"user_id"`
}

type historyResponse struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error"`
	Messages []message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

type message struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	Files    []file `json:"files"`
}

type file struct {
	Name       string `json:"name"`
	Mimetype   string `json:"mimetype"`
	URLPrivate string `json:"url_private"`
}

type connectionsOpenResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	URL   string `json:"url"`
}

// envelope is one Socket Mode frame. Every events_api envelope must be
// acked by envelope id or Slack redelivers it.
type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id"`
	Payload    envelopePayload `json:"payload"`
}

type envelopePayload struct {
	Event message `json:"event"`
}

type ack struct {
	EnvelopeID string `json:"envelope_id"`
}
