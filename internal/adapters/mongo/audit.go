package mongo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID            string    `bson:"_id"`
	Action        string    `bson:"action"`
	ActorID       string    `bson:"actor_id,omitempty"`
	ReservationID string    `bson:"reservation_id,omitempty"`
	ResourceID    string    `bson:"resource_id"`
	State         string    `bson:"state,omitempty"`
	Timestamp     time.Time `bson:"timestamp"`
	Data          bson.M    `bson:"data,omitempty"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, log AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	_, err := a.coll.InsertOne(ctx, log)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		a.logger.WithError(err).WithField("action", log.Action).Error("failed to insert audit log")
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

// Emit makes the audit log an events.Sink. The event ID is the document ID, so a
// redelivered event is stored once.
func (a *AuditLogger) Emit(ctx context.Context, ev events.Event) error {
	var data bson.M
	if len(ev.Data) > 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(ev.Data, &m); err == nil {
			data = bson.M(m)
		} else {
			data = bson.M{"value": string(ev.Data)}
		}
	}
	return a.LogEvent(ctx, AuditLog{
		ID:            ev.ID.String(),
		Action:        string(ev.Type),
		ActorID:       ev.ActorID,
		ReservationID: ev.ReservationID,
		ResourceID:    ev.ResourceID,
		State:         string(ev.State),
		Timestamp:     ev.OccurredAt,
		Data:          data,
	})
}

// History returns the audit trail of one reservation, oldest first.
func (a *AuditLogger) History(ctx context.Context, reservationID string) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"reservation_id": reservationID})
	if err != nil {
		return nil, errors.Wrap(err, "find audit logs")
	}
	var out []AuditLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	sortByTime(out)
	return out, nil
}

func sortByTime(logs []AuditLog) {
	for i := 1; i < len(logs); i++ {
		for j := i; j > 0 && logs[j].Timestamp.Before(logs[j-1].Timestamp); j-- {
			logs[j], logs[j-1] = logs[j-1], logs[j]
		}
	}
}
