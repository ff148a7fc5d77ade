package eventchannel

// CommandExecuteEvent is the inbound command:execute event (spec §6).
type CommandExecuteEvent struct {
	CommandID   string         `json:"commandId"`
	Command     string         `json:"command"`
	CommandType string         `json:"commandType"`
	Parameters  map[string]any `json:"parameters"`
}

// NewVersionAvailableEvent is the inbound agent:new_version_available
// event (spec §6, §4.9).
type NewVersionAvailableEvent struct {
	Version        string `json:"version"`
	DownloadURL    string `json:"download_url"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	Notes          string `json:"notes"`
}

// InboundHandler receives inbound events dispatched by the receive loop.
// Calls are made inline on the receive loop's goroutine, one at a time in
// arrival order, so a call that blocks holds up the next inbound event;
// implementations must not block indefinitely.
type InboundHandler interface {
	HandleCommandExecute(ev CommandExecuteEvent)
	HandleNewVersionAvailable(ev NewVersionAvailableEvent)
}

// StatusUpdate is the agent:status_update outbound payload.
type StatusUpdate struct {
	CPUUsage  float64 `json:"cpuUsage"`
	RAMUsage  float64 `json:"ramUsage"`
	DiskUsage float64 `json:"diskUsage"`
}

// CommandResultPayload is the nested `result` object of
// agent:command_result.
type CommandResultPayload struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ExitCode     *int   `json:"exitCode"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// CommandResultEvent is the agent:command_result outbound payload.
type CommandResultEvent struct {
	CommandID   string               `json:"commandId"`
	CommandType string               `json:"commandType"`
	Success     bool                 `json:"success"`
	Result      CommandResultPayload `json:"result"`
}

// UpdateStatusEvent is the agent:update_status outbound payload.
type UpdateStatusEvent struct {
	Status        string `json:"status"`
	TargetVersion string `json:"target_version"`
	Message       string `json:"message,omitempty"`
}

const (
	eventStatusUpdate   = "agent:status_update"
	eventCommandResult  = "agent:command_result"
	eventUpdateStatus   = "agent:update_status"
	eventCommandExecute = "command:execute"
	eventNewVersion     = "agent:new_version_available"
	controlConnect      = "connect"
	controlAuthError    = "auth_error"
)
