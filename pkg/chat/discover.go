package chat

import (
	"context"
	"fmt"
)

// Team is a Mattermost team as returned by the discovery endpoints.
type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Channel is a Mattermost channel. Type is "O" (public), "P" (private),
// "D" (direct) or "G" (group).
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
}

// Teams lists the teams the bot belongs to. Used by the discover command
// to print the ids that go into the environment file.
func (c *Mattermost) Teams(ctx context.Context) ([]Team, error) {
	var teams []Team
	if err := c.get(ctx, "/api/v4/users/me/teams", &teams); err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	return teams, nil
}

// ChannelsForTeam lists the bot's channels in a team.
func (c *Mattermost) ChannelsForTeam(ctx context.Context, teamID string) ([]Channel, error) {
	var channels []Channel
	path := fmt.Sprintf("/api/v4/users/me/teams/%s/channels", teamID)
	if err := c.get(ctx, path, &channels); err != nil {
		return nil, fmt.Errorf("listing channels for team %s: %w", teamID, err)
	}
	return channels, nil
}
