package protocol

import (
	"errors"
	"time"
)

// ErrMissingID rejects a payload whose identity field is empty.
var ErrMissingID = errors.New("protocol: payload has no id")

// Validator is implemented by payloads with invariants that are checked
// before any handler sees them.
type Validator interface {
	Validate() error
}

// FeedItem is one entry of a content feed. Identity is ID.
type FeedItem struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Link           string    `json:"link"`
	SourceID       string    `json:"sourceId,omitempty"`
	SourceName     string    `json:"sourceName"`
	PublishedAt    time.Time `json:"publishedAt"`
	Description    string    `json:"description,omitempty"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	Categories     []string  `json:"categories"`
	RelevanceScore float64   `json:"relevanceScore"`
	ViewCount      int64     `json:"viewCount"`
	ShareCount     int64     `json:"shareCount"`
	IsBreaking     bool      `json:"isBreaking"`
}

func (i FeedItem) Validate() error {
	if i.ID == "" {
		return ErrMissingID
	}
	return nil
}

// HasCategory reports whether the item is tagged with category.
func (i FeedItem) HasCategory(category string) bool {
	for _, c := range i.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// FeedBatchPayload carries several items pushed together, newest first.
type FeedBatchPayload struct {
	Count int        `json:"count"`
	Items []FeedItem `json:"items"`
}

// FeedUpdate is a partial item. Nil fields are unchanged.
type FeedUpdate struct {
	ID             string   `json:"id"`
	Title          *string  `json:"title,omitempty"`
	Description    *string  `json:"description,omitempty"`
	ImageURL       *string  `json:"imageUrl,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	RelevanceScore *float64 `json:"relevanceScore,omitempty"`
	ViewCount      *int64   `json:"viewCount,omitempty"`
	ShareCount     *int64   `json:"shareCount,omitempty"`
	IsBreaking     *bool    `json:"isBreaking,omitempty"`
}

func (u FeedUpdate) Validate() error {
	if u.ID == "" {
		return ErrMissingID
	}
	return nil
}

// Apply copies the changed fields of u onto item.
func (u FeedUpdate) Apply(item *FeedItem) {
	if u.Title != nil {
		item.Title = *u.Title
	}
	if u.Description != nil {
		item.Description = *u.Description
	}
	if u.ImageURL != nil {
		item.ImageURL = *u.ImageURL
	}
	if u.Categories != nil {
		item.Categories = append([]string(nil), u.Categories...)
	}
	if u.RelevanceScore != nil {
		item.RelevanceScore = *u.RelevanceScore
	}
	if u.ViewCount != nil {
		item.ViewCount = *u.ViewCount
	}
	if u.ShareCount != nil {
		item.ShareCount = *u.ShareCount
	}
	if u.IsBreaking != nil {
		item.IsBreaking = *u.IsBreaking
	}
}

// FeedStats is the aggregate counter snapshot pushed with feed:stats.
type FeedStats struct {
	TotalItems    int64     `json:"totalItems"`
	ItemsToday    int64     `json:"itemsToday"`
	ActiveSources int       `json:"activeSources"`
	BreakingCount int64     `json:"breakingCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Campaign is the synchronized state of one campaign.
type Campaign struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Progress    float64   `json:"progress"`
	MemberCount int       `json:"memberCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CampaignUpdate is a partial campaign. Nil fields are unchanged.
type CampaignUpdate struct {
	ID          string     `json:"id"`
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Progress    *float64   `json:"progress,omitempty"`
	MemberCount *int       `json:"memberCount,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

func (u CampaignUpdate) Validate() error {
	if u.ID == "" {
		return ErrMissingID
	}
	return nil
}

// Apply copies the changed fields of u onto c.
func (u CampaignUpdate) Apply(c *Campaign) {
	if c.ID == "" {
		c.ID = u.ID
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Progress != nil {
		c.Progress = *u.Progress
	}
	if u.MemberCount != nil {
		c.MemberCount = *u.MemberCount
	}
	if u.UpdatedAt != nil {
		c.UpdatedAt = *u.UpdatedAt
	}
}

// CampaignMember is carried by campaign:member:joined and campaign:member:left.
// MemberCount, when present, is the server's count after the change.
type CampaignMember struct {
	CampaignID  string `json:"campaignId"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName,omitempty"`
	MemberCount *int   `json:"memberCount,omitempty"`
}

func (m CampaignMember) Validate() error {
	if m.CampaignID == "" || m.UserID == "" {
		return ErrMissingID
	}
	return nil
}

// Notification is one user notification.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

func (n Notification) Validate() error {
	if n.ID == "" {
		return ErrMissingID
	}
	return nil
}

// PlatformStats is the snapshot pushed with stats:update.
type PlatformStats struct {
	OnlineUsers     int       `json:"onlineUsers"`
	ActiveCampaigns int       `json:"activeCampaigns"`
	FeedItemsToday  int64     `json:"feedItemsToday"`
	OpenRequests    int       `json:"openRequests"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UserPresence is carried by user:online, user:offline and user:presence.
type UserPresence struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status,omitempty"`
	Page     string    `json:"page,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

func (p UserPresence) Validate() error {
	if p.UserID == "" {
		return ErrMissingID
	}
	return nil
}

// PresenceUpdate is what this client reports about itself.
type PresenceUpdate struct {
	Status string `json:"status"`
	Page   string `json:"page,omitempty"`
}

// SupportRequest is one support ticket.
type SupportRequest struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	Priority  string    `json:"priority,omitempty"`
	Assignee  string    `json:"assignee,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r SupportRequest) Validate() error {
	if r.ID == "" {
		return ErrMissingID
	}
	return nil
}

// SupportUpdate is a partial support request. Nil fields are unchanged.
type SupportUpdate struct {
	ID        string     `json:"id"`
	Status    *string    `json:"status,omitempty"`
	Priority  *string    `json:"priority,omitempty"`
	Assignee  *string    `json:"assignee,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func (u SupportUpdate) Validate() error {
	if u.ID == "" {
		return ErrMissingID
	}
	return nil
}

// Apply copies the changed fields of u onto r.
func (u SupportUpdate) Apply(r *SupportRequest) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Priority != nil {
		r.Priority = *u.Priority
	}
	if u.Assignee != nil {
		r.Assignee = *u.Assignee
	}
	if u.UpdatedAt != nil {
		r.UpdatedAt = *u.UpdatedAt
	}
}
