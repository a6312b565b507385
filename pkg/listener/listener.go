// Package listener consumes websocket events and drives the agent:
// dedup of posted events, membership handling, onboarding on first
// contact, reply threading.
package listener

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/daai/steward/pkg/agent"
	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/store"
)

// Responder is the agent surface the listener drives.
type Responder interface {
	ProcessMessage(ctx context.Context, username, message, channelType, threadContext, postID, rootID string) agent.ProcessResult
	OnboardParticipant(ctx context.Context, userID, username, displayName string)
	BuildThreadContext(ctx context.Context, posts []chat.Post, excludePostID string) string
}

// Planner receives thread activity notifications so reminder and
// initiative cooldowns stay honest. May be nil.
type Planner interface {
	NotifyThreadActivity(rootID, username string)
}

// Config controls the posted-event dedup window.
type Config struct {
	DedupTTL        time.Duration
	DedupMaxEntries int
}

// Listener dispatches chat events.
type Listener struct {
	agent   Responder
	chat    chat.Client
	store   *store.Store
	planner Planner
	logger  *slog.Logger
	cfg     Config

	mu       sync.Mutex
	seen     map[string]time.Time
	inflight map[string]bool

	now func() time.Time
}

// New builds a listener and restores the persisted dedup state.
func New(a Responder, ch chat.Client, st *store.Store, planner Planner, cfg Config, logger *slog.Logger) *Listener {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 4000
	}
	l := &Listener{
		agent:    a,
		chat:     ch,
		store:    st,
		planner:  planner,
		logger:   logger.With("component", "listener"),
		cfg:      cfg,
		seen:     map[string]time.Time{},
		inflight: map[string]bool{},
		now:      time.Now,
	}
	l.loadSeenPosts()
	return l
}

func (l *Listener) loadSeenPosts() {
	now := l.now()
	count := 0
	for _, p := range l.store.SeenPosts() {
		seenAt, err := time.Parse(time.RFC3339, p.SeenAt)
		if err != nil {
			continue
		}
		if now.Sub(seenAt) < l.cfg.DedupTTL {
			l.seen[p.PostID] = seenAt
			count++
		}
	}
	if count > 0 {
		l.logger.Info("restored dedup state", "count", count)
	}
}

// HandleEvent processes one decoded websocket event.
func (l *Listener) HandleEvent(ctx context.Context, ev chat.Event) {
	switch ev.Event {
	case "posted":
		l.handlePosted(ctx, ev)
	case "user_added":
		l.handleUserAdded(ctx, ev)
	case "user_removed", "user_removed_from_channel":
		l.handleUserRemoved(ctx, ev)
	}
}

func (l *Listener) handlePosted(ctx context.Context, ev chat.Event) {
	post, ok := ev.Post()
	if !ok {
		return
	}
	if post.UserID == l.chat.BotUserID() {
		return
	}

	message := strings.TrimSpace(post.Message)

	// System membership posts arrive as regular posted events and are the
	// reliable signal on servers that drop user_added events.
	if post.ChannelID == l.chat.ChannelID() &&
		(post.Type == "system_add_to_channel" || post.Type == "system_remove_from_channel") {
		l.handleSystemMembershipPost(ctx, post.Type, message)
		return
	}

	if message == "" {
		return
	}

	if post.ID != "" {
		l.mu.Lock()
		if _, dup := l.seen[post.ID]; dup || l.inflight[post.ID] {
			l.mu.Unlock()
			return
		}
		l.inflight[post.ID] = true
		l.mu.Unlock()
	}

	l.processPosted(ctx, post, message, ev.ChannelType())

	if post.ID != "" {
		l.markSeen(post.ID)
		l.persistSeenPost(post.ID)
	}
}

func (l *Listener) markSeen(postID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, postID)
	l.seen[postID] = l.now()
	if len(l.seen) <= l.cfg.DedupMaxEntries {
		return
	}
	// Over capacity: drop the older half.
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(l.seen))
	for id, at := range l.seen {
		entries = append(entries, entry{id, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:len(entries)-l.cfg.DedupMaxEntries/2] {
		delete(l.seen, e.id)
	}
}

func (l *Listener) persistSeenPost(postID string) {
	now := l.now()
	var kept []store.SeenPost
	for _, p := range l.store.SeenPosts() {
		seenAt, err := time.Parse(time.RFC3339, p.SeenAt)
		if err != nil || now.Sub(seenAt) >= l.cfg.DedupTTL {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) >= l.cfg.DedupMaxEntries {
		kept = kept[len(kept)-l.cfg.DedupMaxEntries/2:]
	}
	kept = append(kept, store.SeenPost{PostID: postID, SeenAt: now.UTC().Format(time.RFC3339)})
	if err := l.store.SaveSeenPosts(kept); err != nil {
		l.logger.Debug("failed to persist seen post", "post_id", postID, "error", err)
	}
}

// requestKeywords mark a first message as an actual request rather than a
// hello, so onboarding does not swallow it.
var requestKeywords = []string{
	"контракт", "статус", "начни", "покажи", "очеред", "план", "расхожд", "проблем",
	"сохран", "зафикс", "обнов", "созда",
	"аудит", "конфликт", "проверь",
	"reminder", "дайджест", "digest",
}

func looksLikeRealRequest(message string) bool {
	if strings.Contains(message, "?") {
		return true
	}
	low := strings.ToLower(message)
	for _, k := range requestKeywords {
		if strings.Contains(low, k) {
			return true
		}
	}
	return len(message) > 120
}

func (l *Listener) processPosted(ctx context.Context, post chat.Post, message, channelTypeRaw string) {
	username := "unknown"
	if info, err := l.chat.GetUserInfo(ctx, post.UserID); err == nil {
		username = info.Username
	} else {
		l.logger.Error("failed to resolve post author", "user_id", post.UserID, "error", err)
	}

	var channelType string
	switch {
	case channelTypeRaw == "D":
		channelType = "dm"
	case post.ChannelID == l.chat.ChannelID():
		channelType = "channel"
	default:
		return
	}

	threadContext := ""
	if post.RootID != "" {
		if posts, err := l.chat.GetThread(ctx, post.RootID); err == nil {
			threadContext = l.agent.BuildThreadContext(ctx, posts, post.ID)
		} else {
			l.logger.Warn("failed to get thread context", "root_id", post.RootID, "error", err)
		}
	}

	// Users who were already in the channel before the first start never
	// produced a user_added event; onboard them on first contact.
	if channelType == "channel" {
		_, hasProfile := l.store.Participant(username)
		if !hasProfile && !l.store.IsParticipantOnboarded(username) {
			if info, err := l.chat.GetUserInfo(ctx, post.UserID); err == nil {
				l.agent.OnboardParticipant(ctx, post.UserID, info.Username, info.DisplayName)
				threadRoot := post.RootID
				if threadRoot == "" {
					threadRoot = post.ID
				}
				pointer := "@" + username + ", я написал(а) тебе в личку 3 коротких вопроса для профиля. Ответь там — и продолжим."
				if _, err := l.chat.SendToChannel(ctx, pointer, threadRoot); err != nil {
					l.logger.Warn("failed to send onboarding pointer", "username", username, "error", err)
				}
				if !looksLikeRealRequest(message) {
					return
				}
			} else {
				l.logger.Error("failed to onboard on first message", "user_id", post.UserID, "error", err)
			}
		}
	}

	l.logger.Info("processing message",
		"post_id", post.ID, "root_id", post.RootID, "username", username,
		"channel_type", channelType)

	result := l.agent.ProcessMessage(ctx, username, message, channelType, threadContext, post.ID, post.RootID)
	reply := result.Reply

	if l.planner != nil && post.RootID != "" {
		l.planner.NotifyThreadActivity(post.RootID, username)
	}
	if reply == "" {
		return
	}

	if channelType == "dm" {
		dmRoot := post.RootID
		if dmRoot == "" {
			dmRoot = post.ID
		}
		if _, err := l.chat.SendDM(ctx, post.UserID, reply, dmRoot); err != nil {
			l.logger.Error("failed to send dm reply", "user_id", post.UserID, "error", err)
		}
		return
	}

	threadRoot := result.ThreadRootID
	if threadRoot == "" {
		threadRoot = post.RootID
	}
	if threadRoot == "" {
		threadRoot = post.ID
	}
	if _, err := l.chat.SendToChannel(ctx, reply, threadRoot); err != nil {
		l.logger.Error("failed to send channel reply", "root_id", threadRoot, "error", err)
	}
}

var mentionRe = regexp.MustCompile(`@([a-zA-Z0-9._-]+)`)

func (l *Listener) handleSystemMembershipPost(ctx context.Context, postType, message string) {
	var usernames []string
	for _, m := range mentionRe.FindAllStringSubmatch(message, -1) {
		usernames = append(usernames, m[1])
	}
	if len(usernames) == 0 {
		return
	}

	if postType == "system_remove_from_channel" {
		for _, uname := range usernames {
			if err := l.store.SetParticipantActive(uname, false); err != nil {
				l.logger.Warn("failed to deactivate participant", "username", uname, "error", err)
			}
		}
		l.logger.Info("system removal processed", "usernames", strings.Join(usernames, ","))
		return
	}

	for _, uname := range usernames {
		info, err := l.chat.GetUserByUsername(ctx, uname)
		if err != nil {
			continue
		}
		if err := l.store.SetParticipantActive(uname, true); err != nil {
			l.logger.Warn("failed to activate participant", "username", uname, "error", err)
		}
		displayName := info.DisplayName
		if displayName == "" {
			displayName = uname
		}
		l.agent.OnboardParticipant(ctx, info.UserID, uname, displayName)
	}

	shown := usernames
	if len(shown) > 8 {
		shown = shown[:8]
	}
	mentions := "@" + strings.Join(shown, " @")
	more := ""
	if len(usernames) > 8 {
		more = " и ещё " + strconv.Itoa(len(usernames)-8)
	}
	welcome := "Добро пожаловать, " + mentions + more + "! Я написал(а) вам в личку 3 коротких вопроса для онбординга."
	if _, err := l.chat.SendToChannel(ctx, welcome, ""); err != nil {
		l.logger.Warn("failed to send group welcome", "error", err)
	}
}

func (l *Listener) handleUserAdded(ctx context.Context, ev chat.Event) {
	if ev.Broadcast.ChannelID != l.chat.ChannelID() {
		return
	}
	userID, _ := ev.Data["user_id"].(string)
	if userID == "" || userID == l.chat.BotUserID() {
		return
	}

	info, err := l.chat.GetUserInfo(ctx, userID)
	if err != nil {
		l.logger.Error("failed to onboard added user", "user_id", userID, "error", err)
		return
	}
	l.agent.OnboardParticipant(ctx, userID, info.Username, info.DisplayName)
	welcome := "Добро пожаловать, @" + info.Username + "! Я написал(а) тебе в личку 3 коротких вопроса для онбординга."
	if _, err := l.chat.SendToChannel(ctx, welcome, ""); err != nil {
		l.logger.Warn("failed to send welcome", "username", info.Username, "error", err)
	}
}

func (l *Listener) handleUserRemoved(ctx context.Context, ev chat.Event) {
	if ev.Broadcast.ChannelID != l.chat.ChannelID() {
		return
	}
	userID, _ := ev.Data["user_id"].(string)
	if userID == "" || userID == l.chat.BotUserID() {
		return
	}

	info, err := l.chat.GetUserInfo(ctx, userID)
	if err != nil {
		l.logger.Error("failed to handle user removal", "user_id", userID, "error", err)
		return
	}
	if err := l.store.SetParticipantActive(info.Username, false); err != nil {
		l.logger.Warn("failed to deactivate participant", "username", info.Username, "error", err)
	}
	l.logger.Info("participant removed from channel", "username", info.Username)
}
