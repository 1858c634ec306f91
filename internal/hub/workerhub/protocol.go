package workerhub

import "encoding/json"

// workerFrame is the envelope every inbound frame is decoded into.
// Control messages carry an action; super-admin command responses are
// distinguished by a top-level type and forwarded verbatim.
type workerFrame struct {
	Action string          `json:"action"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

type registerData struct {
	ServerID   string         `json:"server_id"`
	ServerName string         `json:"server_name"`
	ServerURL  string         `json:"server_url"`
	Meta       map[string]any `json:"meta"`
}

type readyData struct {
	Ready bool `json:"ready"`
}

type heartbeatData struct {
	ClientsCount int `json:"clients_count"`
}

type shardResultData struct {
	ShardID string          `json:"shard_id"`
	TaskID  string          `json:"task_id"`
	UserID  string          `json:"user_id"`
	Success int             `json:"success"`
	Fail    int             `json:"fail"`
	Detail  json.RawMessage `json:"detail"`
	TraceID string          `json:"trace_id"`
}

type shardRunAckData struct {
	ShardID string `json:"shard_id"`
	TaskID  string `json:"task_id"`
	TraceID string `json:"trace_id"`
}

// ShardPayload is the shard a worker is asked to run.
type ShardPayload struct {
	ShardID string   `json:"shard_id"`
	TaskID  string   `json:"task_id"`
	UserID  string   `json:"user_id"`
	Phones  []string `json:"phones"`
	Message string   `json:"message"`
	TraceID string   `json:"trace_id,omitempty"`
}

// ShardRunFrame builds the shard_run push frame.
func ShardRunFrame(p ShardPayload) map[string]any {
	return map[string]any{"type": "shard_run", "shard": p}
}

// SuperAdminCommandFrame builds the control frame relayed to a worker.
func SuperAdminCommandFrame(action string, params map[string]any, commandID string) map[string]any {
	return map[string]any{
		"type":       "super_admin_command",
		"action":     action,
		"params":     params,
		"command_id": commandID,
	}
}
