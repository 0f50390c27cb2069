package ledger

import "time"

type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusReserved  EntryStatus = "reserved"
	StatusPurchased EntryStatus = "purchased"
	StatusCancelled EntryStatus = "cancelled"
)

// Entry is the durable mirror of a queue membership. The fast-store ordered
// set answers "who is in line right now"; these rows are the system-of-record
// once an entry stops being ephemeral.
type Entry struct {
	ID        string
	UserID    string
	SaleID    string
	Position  int
	Status    EntryStatus
	JoinedAt  time.Time
	UpdatedAt time.Time
}

// Stats aggregates a sale's ledger by status.
type Stats struct {
	TotalJoined    int     `json:"total_joined"`
	Waiting        int     `json:"waiting"`
	Reserved       int     `json:"reserved"`
	Purchased      int     `json:"purchased"`
	Cancelled      int     `json:"cancelled"`
	ConversionRate float64 `json:"conversion_rate"` // purchased / total_joined
}
