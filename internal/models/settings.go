package models

// BandwidthDefaults is the global fallback bandwidth policy (Mbps,
// 0 = unlimited). A session resolves its caps as explicit override →
// device default → this record.
type BandwidthDefaults struct {
	DownloadLimit int `json:"downloadLimit" db:"download_limit"`
	UploadLimit   int `json:"uploadLimit" db:"upload_limit"`
}
