// Package chat implements the Mattermost boundary: REST calls for posts
// and users, plus a websocket event loop with reconnect.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const userCacheSize = 256

// Config holds the Mattermost connection settings.
type Config struct {
	ServerURL string
	Token     string
	ChannelID string
}

// Mattermost is the production Client implementation.
type Mattermost struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	botUserID   string
	botUsername string

	userCache *lru.Cache[string, UserInfo]
}

// NewMattermost connects to the server and resolves the bot identity.
func NewMattermost(ctx context.Context, cfg Config, logger *slog.Logger) (*Mattermost, error) {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cache, err := lru.New[string, UserInfo](userCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Mattermost{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "chat"),
		userCache:  cache,
	}

	var me struct {
		ID        string `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := c.get(ctx, "/api/v4/users/me", &me); err != nil {
		return nil, fmt.Errorf("resolving bot identity: %w", err)
	}
	c.botUserID = me.ID
	c.botUsername = me.Username
	c.logger.Info("logged in", "username", me.Username, "user_id", me.ID)
	return c, nil
}

func (c *Mattermost) BotUserID() string   { return c.botUserID }
func (c *Mattermost) BotUsername() string { return c.botUsername }
func (c *Mattermost) ChannelID() string   { return c.cfg.ChannelID }

func (c *Mattermost) SendToChannel(ctx context.Context, message, rootID string) (Post, error) {
	return c.SendToChannelID(ctx, c.cfg.ChannelID, message, rootID)
}

func (c *Mattermost) SendToChannelID(ctx context.Context, channelID, message, rootID string) (Post, error) {
	body := map[string]string{
		"channel_id": channelID,
		"message":    message,
		// Client-side idempotency key so a retried request cannot double-post.
		"pending_post_id": c.botUserID + ":" + uuid.NewString(),
	}
	if rootID != "" {
		body["root_id"] = rootID
	}
	var post Post
	if err := c.post(ctx, "/api/v4/posts", body, &post); err != nil {
		return Post{}, fmt.Errorf("creating post: %w", err)
	}
	c.logger.Debug("sent message", "channel_id", channelID, "post_id", post.ID, "root_id", rootID)
	return post, nil
}

func (c *Mattermost) SendDM(ctx context.Context, userID, message, rootID string) (Post, error) {
	var channel struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/v4/channels/direct", []string{c.botUserID, userID}, &channel); err != nil {
		return Post{}, fmt.Errorf("creating dm channel: %w", err)
	}
	return c.SendToChannelID(ctx, channel.ID, message, rootID)
}

// GetThread returns all posts of a thread in chronological order.
func (c *Mattermost) GetThread(ctx context.Context, postID string) ([]Post, error) {
	var thread struct {
		Posts map[string]Post `json:"posts"`
		Order []string        `json:"order"`
	}
	if err := c.get(ctx, "/api/v4/posts/"+postID+"/thread", &thread); err != nil {
		return nil, fmt.Errorf("fetching thread %s: %w", postID, err)
	}
	posts := make([]Post, 0, len(thread.Order))
	for _, id := range thread.Order {
		if p, ok := thread.Posts[id]; ok {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

func (c *Mattermost) GetUserInfo(ctx context.Context, userID string) (UserInfo, error) {
	if info, ok := c.userCache.Get(userID); ok {
		return info, nil
	}
	var user mmUser
	if err := c.get(ctx, "/api/v4/users/"+userID, &user); err != nil {
		return UserInfo{}, fmt.Errorf("fetching user %s: %w", userID, err)
	}
	info := user.toInfo()
	c.userCache.Add(userID, info)
	return info, nil
}

func (c *Mattermost) GetUserByUsername(ctx context.Context, username string) (UserInfo, error) {
	if info, ok := c.userCache.Get("name:" + username); ok {
		return info, nil
	}
	var user mmUser
	if err := c.get(ctx, "/api/v4/users/username/"+username, &user); err != nil {
		return UserInfo{}, fmt.Errorf("fetching user @%s: %w", username, err)
	}
	info := user.toInfo()
	c.userCache.Add("name:"+username, info)
	c.userCache.Add(info.UserID, info)
	return info, nil
}

func (c *Mattermost) GetChannelMembers(ctx context.Context) ([]UserInfo, error) {
	var members []struct {
		UserID string `json:"user_id"`
	}
	if err := c.get(ctx, "/api/v4/channels/"+c.cfg.ChannelID+"/members", &members); err != nil {
		return nil, fmt.Errorf("fetching channel members: %w", err)
	}
	infos := make([]UserInfo, 0, len(members))
	for _, m := range members {
		info, err := c.GetUserInfo(ctx, m.UserID)
		if err != nil {
			c.logger.Warn("failed to resolve channel member", "user_id", m.UserID, "error", err)
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CreatePoll runs the Matterpoll slash command in a channel.
func (c *Mattermost) CreatePoll(ctx context.Context, channelID, question string, options []string) error {
	cmd := fmt.Sprintf("/poll %q", question)
	for _, opt := range options {
		cmd += fmt.Sprintf(" %q", opt)
	}
	body := map[string]string{"channel_id": channelID, "command": cmd}
	if err := c.post(ctx, "/api/v4/commands/execute", body, nil); err != nil {
		return fmt.Errorf("executing poll command: %w", err)
	}
	return nil
}

type mmUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

func (u mmUser) toInfo() UserInfo {
	return UserInfo{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
		Email:       u.Email,
	}
}

func decodePost(raw string) (Post, bool) {
	var post Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		return Post{}, false
	}
	return post, true
}

func (c *Mattermost) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Mattermost) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Mattermost) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(respBody, 200))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
