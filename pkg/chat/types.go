package chat

import "context"

// Post is a Mattermost message.
type Post struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	CreateAt  int64  `json:"create_at"`
}

// UserInfo is the subset of a Mattermost user the agent cares about.
type UserInfo struct {
	UserID      string
	Username    string
	DisplayName string
	Email       string
}

// Event is a decoded websocket event envelope.
type Event struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Broadcast struct {
		ChannelID string `json:"channel_id"`
	} `json:"broadcast"`
	Seq int64 `json:"seq"`
}

// Post extracts the nested post payload of a "posted" event. Mattermost
// serializes it as a JSON string inside data.
func (e Event) Post() (Post, bool) {
	raw, ok := e.Data["post"].(string)
	if !ok || raw == "" {
		return Post{}, false
	}
	return decodePost(raw)
}

// ChannelType returns the channel_type field of a posted event ("D" for
// direct messages).
func (e Event) ChannelType() string {
	ct, _ := e.Data["channel_type"].(string)
	return ct
}

// Client is the chat boundary used by the agent, listener, scheduler,
// planner and suggestion engine.
type Client interface {
	SendToChannel(ctx context.Context, message, rootID string) (Post, error)
	SendToChannelID(ctx context.Context, channelID, message, rootID string) (Post, error)
	SendDM(ctx context.Context, userID, message, rootID string) (Post, error)
	GetThread(ctx context.Context, postID string) ([]Post, error)
	GetUserInfo(ctx context.Context, userID string) (UserInfo, error)
	GetUserByUsername(ctx context.Context, username string) (UserInfo, error)
	GetChannelMembers(ctx context.Context) ([]UserInfo, error)
	CreatePoll(ctx context.Context, channelID, question string, options []string) error
	BotUserID() string
	BotUsername() string
	ChannelID() string
}
