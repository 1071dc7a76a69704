package order

import (
	"encoding/json"
	"time"
)

// Event is the update published once per committed change of an order.
type Event struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Log       string    `json:"log"`
	Timestamp time.Time `json:"timestamp"`
	TxHash    string    `json:"txHash,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Link      string    `json:"link,omitempty"`
}

// EventFor builds the event describing the committed delta on o.
func EventFor(o *Order, d Delta, now time.Time) Event {
	return Event{
		OrderID:   o.ID,
		Status:    o.Status,
		Log:       d.Log,
		Timestamp: now.UTC(),
		TxHash:    d.TxHash,
		Price:     d.Price,
	}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEvent(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}
