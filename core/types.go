package core

import "time"

// User is the public part of a user account.
type User struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Profile holds a user's public page customization.
type Profile struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Bio            string    `json:"bio"`
	Avatar         string    `json:"avatar"`
	Theme          string    `json:"theme"`
	Background     string    `json:"background"`
	ShowAvatar     bool      `json:"showAvatar"`
	RoundedCorners bool      `json:"roundedCorners"`
	DarkMode       bool      `json:"darkMode"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	UserID         string    `json:"userId"`
}

// Link is one entry of a user's link list.
type Link struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Icon        string    `json:"icon"`
	Position    int       `json:"position"`
	Active      bool      `json:"active"`
	Clicks      int64     `json:"clicks"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UserID      string    `json:"userId"`
}

// PublicProfile is the payload cached under ProfileKey: the user, their
// profile row (nil when never customized) and active links in position order.
type PublicProfile struct {
	User    User     `json:"user"`
	Profile *Profile `json:"profile"`
	Links   []Link   `json:"links"`
}

// WarmupCandidate is a username ranked by recent profile views.
type WarmupCandidate struct {
	Username string `json:"username"`
	Views    int64  `json:"views"`
}

// DayCount is a per-day event count.
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// LinkSummary is a compact link row used in analytics.
type LinkSummary struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Clicks int64  `json:"clicks"`
}

// Stats is a user's analytics over a day range, cached under StatsKey.
type Stats struct {
	TotalViews  int64         `json:"totalViews"`
	TotalClicks int64         `json:"totalClicks"`
	ActiveLinks int64         `json:"activeLinks"`
	CTR         string        `json:"ctr"`
	ViewsByDay  []DayCount    `json:"viewsByDay"`
	ClicksByDay []DayCount    `json:"clicksByDay"`
	TopLinks    []LinkSummary `json:"topLinks"`
}

// LabelCount is an event count grouped by a label such as a referrer.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// LinkStats is one link's analytics, cached under LinkStatsKey.
type LinkStats struct {
	Link             Link         `json:"linkInfo"`
	TotalClicks      int64        `json:"totalClicks"`
	ClicksByDay      []DayCount   `json:"clicksByDay"`
	ClicksByReferrer []LabelCount `json:"clicksByReferrer"`
	ClicksByDevice   []LabelCount `json:"clicksByDevice"`
}
