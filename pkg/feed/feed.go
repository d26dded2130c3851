// Package feed announces accepted case updates to consumers that do not
// hold a live connection, such as audit pipelines and notification services.
// Delivery is after the fact: the record is already durable when a message
// is produced, so a lost message never loses data.
package feed

import (
	"context"
	"time"
)

// Update is one accepted case-record write.
type Update struct {
	CaseID    string    `json:"caseId"`
	Section   string    `json:"section"`
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updatedBy"`
	At        time.Time `json:"at"`
}

// Consumer yields updates in the order the broker delivers them.
type Consumer interface {
	ReadUpdate(ctx context.Context) (Update, error)
	Close() error
}
