package model

// Progress is an informational sync notification.
type Progress struct {
	Percentage float64 `json:"percentage"`
	FromBlock  uint64  `json:"from_block"`
	ToBlock    uint64  `json:"to_block"`
	Count      int     `json:"count"`
}

// ProgressFunc receives progress notifications. It must not block.
type ProgressFunc func(Progress)
