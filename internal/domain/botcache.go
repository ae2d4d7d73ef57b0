package domain

// BotCache is the identity directory used to address users outside of a live
// conversation. Version increases on every successful write.
type BotCache struct {
	UsersList  map[string]string `json:"usersList"`
	TeamsList  []string          `json:"teamsList"`
	BotObject  ChannelAccount    `json:"botObject"`
	Tenant     string            `json:"tenant,omitempty"`
	ServiceURL string            `json:"serviceUrl"`
	ChannelID  string            `json:"channelId"`
	Version    int64             `json:"version"`
}

// AddUser maps an external user id to a channel user id. It reports whether
// the mapping was new.
func (c *BotCache) AddUser(externalID, channelUserID string) bool {
	if externalID == "" || channelUserID == "" {
		return false
	}
	if c.UsersList == nil {
		c.UsersList = make(map[string]string)
	}
	if _, ok := c.UsersList[externalID]; ok {
		return false
	}
	c.UsersList[externalID] = channelUserID
	return true
}

// AddTeam appends a team id and de-duplicates the list. It reports whether
// the team was new.
func (c *BotCache) AddTeam(teamID string) bool {
	if teamID == "" {
		return false
	}
	added := true
	for _, id := range c.TeamsList {
		if id == teamID {
			added = false
			break
		}
	}
	c.TeamsList = uniqueStrings(append(c.TeamsList, teamID))
	return added
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
