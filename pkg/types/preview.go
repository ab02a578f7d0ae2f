package types

// Upstream describes where preview traffic for a port should be dialed.
type Upstream struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Scheme     string `json:"scheme,omitempty"` // default "http"
	DriverKind string `json:"driverKind,omitempty"`
}

// PreviewRequest registers (or overwrites) a preview port mapping.
type PreviewRequest struct {
	Port     int      `json:"port"`
	Upstream Upstream `json:"upstream"`
}
