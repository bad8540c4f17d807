package matrix

// Wire shapes for the subset of the client-server API this adapter speaks.

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]joinedRoom `json:"join"`
	} `json:"rooms"`
}

type joinedRoom struct {
	Timeline struct {
		Events []event `json:"events"`
	} `json:"timeline"`
}

type event struct {
	Type           string  `json:"type"`
	EventID        string  `json:"event_id"`
	Sender         string  `json:"sender"`
	OriginServerTS int64   `json:"origin_server_ts"`
	Content        content `json:"content"`

	// RoomID is filled in from the sync response's room key, not the wire.
	RoomID string `json:"-"`
}

type content struct {
	MsgType  string `json:"msgtype"`
	Body     string `json:"body"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Info     struct {
		Mimetype string `json:"mimetype"`
	} `json:"info"`
	RelatesTo *relatesTo `json:"m.relates_to"`
}

type relatesTo struct {
	InReplyTo *inReplyTo `json:"m.in_reply_to"`
}

type inReplyTo struct {
	EventID string `json:"event_id"`
}

type apiError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}
