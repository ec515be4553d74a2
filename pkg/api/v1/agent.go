package v1

// Agent is the API representation of a persona in the catalog
type Agent struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Specialization string   `json:"specialization"`
	Traits         []string `json:"traits"`
	Color          string   `json:"color"`
	Enabled        bool     `json:"enabled"`
	DeviceType     string   `json:"device_type"`
	ViewportWidth  int      `json:"viewport_width"`
	ViewportHeight int      `json:"viewport_height"`
}

// ListAgentsResponse wraps the persona catalog
type ListAgentsResponse struct {
	Agents []*Agent `json:"agents"`
	Total  int      `json:"total"`
}
