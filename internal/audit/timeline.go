package audit

import "time"

// Denial kinds accepted by the timeline filter.
const (
	KindRateLimit  = "ratelimit"
	KindPermission = "permission"
)

// TimelineFilters menampung filter dasar untuk timeline penolakan.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Kind     string
	Entity   string
	EntityID string
	Page     int
	PageSize int
}

// TimelineRow mewakili satu baris audit penolakan.
type TimelineRow struct {
	At       time.Time      `json:"at"`
	ActorID  int64          `json:"actor_id,omitempty"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
