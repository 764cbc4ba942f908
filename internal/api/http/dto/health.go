package dto

type HealthResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	Status     string `json:"status"`
	ServerNode string `json:"server_node"`
}
