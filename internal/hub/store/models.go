package store

import "time"

// Task statuses. Transitions are monotonic: pending -> running -> done.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
)

// Server statuses.
const (
	ServerConnected    = "connected"
	ServerAvailable    = "available"
	ServerDisconnected = "disconnected"
)

type User struct {
	UserID    string
	Username  string
	CreatedAt time.Time
}

// UserData is the per-user accounting row. Usage and Inbox are
// append-only JSON lists; Rates is a nullable JSON object.
type UserData struct {
	UserID         string
	Credits        float64
	Usage          string // JSON array
	Stats          string // JSON object
	Inbox          string // JSON array
	Rates          string // JSON object or empty
	AdminRateSetBy string
}

// UsageEntry is one element of the user_data.usage list. The list
// mixes consumption and recharge records discriminated by Action;
// the hub only appends "deduct" entries.
type UsageEntry struct {
	Action     string  `json:"action"`
	Sid        string  `json:"sid,omitempty"`
	Shard      string  `json:"shard,omitempty"`
	Success    int     `json:"success"`
	Fail       int     `json:"fail"`
	Sent       int     `json:"sent"`
	Credits    float64 `json:"credits"`
	Amount     float64 `json:"amount"`
	OldCredits float64 `json:"old_credits"`
	NewCredits float64 `json:"new_credits"`
	TS         string  `json:"ts"`
	Reason     string  `json:"reason,omitempty"`
}

type AdminConfig struct {
	AdminID         string
	SelectedServers string // JSON array
	UserGroups      string // JSON array
	Rates           string // JSON object or empty
	RateRange       string // JSON {"min":..,"max":..} or empty
}

type Server struct {
	ServerID     string
	ServerName   string
	ServerURL    string
	ClientsCount int
	Status       string
	LastSeen     time.Time
	AssignedUser string
	Meta         string // JSON object
}

type Task struct {
	TaskID  string
	UserID  string
	Message string
	Total   int
	Count   int
	Status  string
	TraceID string
	Created time.Time
	Updated time.Time
}

type Shard struct {
	ShardID  string
	TaskID   string
	ServerID string
	Phones   string // JSON array of opaque strings
	Status   string
	Attempts int
	LockedAt time.Time
	Updated  time.Time
	Result   string // JSON {"success":..,"fail":..,"sent":..} or empty
}

type Report struct {
	ID       int64
	ShardID  string
	ServerID string
	UserID   string
	Success  int
	Fail     int
	Sent     int
	Credits  float64
	Detail   []byte // zstd-compressed JSON
	TS       time.Time
}

// ShardCounts aggregates a task's shards by status.
type ShardCounts struct {
	Pending int
	Running int
	Done    int
	Total   int
}

// ResultSums aggregates a task's report counters.
type ResultSums struct {
	Success int
	Fail    int
	Sent    int
}
