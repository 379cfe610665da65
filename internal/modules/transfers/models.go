package transfers

import "time"

// Transfer is one proposed water movement between two facilities. Proposals
// are pure: nothing moves until Apply.
type Transfer struct {
	SourceCode   string  `json:"source_code"`
	DestCode     string  `json:"dest_code"`
	VolumeM3     float64 `json:"volume_m3"`
	SrcPctBefore float64 `json:"src_pct_before"`
	SrcPctAfter  float64 `json:"src_pct_after"`
	DstPctBefore float64 `json:"dst_pct_before"`
	DstPctAfter  float64 `json:"dst_pct_after"`
}

// Event is one applied transfer, the idempotency record. At most one event
// exists per (calc_date, source, destination).
type Event struct {
	ID           int64     `json:"event_id"`
	UUID         string    `json:"event_uuid"`
	CalcDate     string    `json:"calc_date"`
	SourceCode   string    `json:"source_code"`
	DestCode     string    `json:"dest_code"`
	VolumeM3     float64   `json:"volume_m3"`
	SrcPctBefore float64   `json:"source_pct_before"`
	SrcPctAfter  float64   `json:"source_pct_after"`
	DstPctBefore float64   `json:"dest_pct_before"`
	DstPctAfter  float64   `json:"dest_pct_after"`
	AppliedAt    time.Time `json:"applied_at"`
	AppliedBy    string    `json:"applied_by"`
}

// transferIncrementPct is the share of source capacity moved per proposal
// round, distributed across destinations in feeds order
const transferIncrementPct = 0.05
