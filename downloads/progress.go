package downloads

// Status is the state of one download.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusExtracting  Status = "extracting"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// Progress is the state of one dependency download as shown on the
// dependencies page.
type Progress struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Status          Status  `json:"status"`
	Message         string  `json:"message"`
	BytesDownloaded int64   `json:"bytesDownloaded"`
	TotalBytes      int64   `json:"totalBytes"`
	Percent         float64 `json:"percent"`
	Speed           int64   `json:"speed"` // bytes/sec
	Error           string  `json:"error,omitempty"`
}

// Overall combines every tracked download.
type Overall struct {
	Total     int        `json:"total"`
	Completed int        `json:"completed"`
	Percent   float64    `json:"percent"`
	Items     []Progress `json:"items"`
	Active    bool       `json:"active"`
}

type ProgressCallback func(Progress)

// ByteProgressCallback reports raw byte counts; total is -1 when unknown.
type ByteProgressCallback func(downloaded, total int64)

// Percent returns downloaded/total as a percentage, or 0 when total is unknown.
func Percent(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(downloaded) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}
