package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CatalogRepository is the resource directory backed by the listings collection.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("resources"),
		logger: logger,
	}
}

type ResourceDoc struct {
	ID              string        `bson:"_id"`
	OwnerID         string        `bson:"owner_id"`
	Category        string        `bson:"category"`
	Title           string        `bson:"title"`
	InstantBook     bool          `bson:"instant_book"`
	Currency        string        `bson:"currency"`
	DailyRateCents  int64         `bson:"daily_rate_cents"`
	HourlyRateCents int64         `bson:"hourly_rate_cents"`
	Blackouts       []BlackoutDoc `bson:"blackouts"`
	Active          bool          `bson:"active"`
	CreatedAt       time.Time     `bson:"created_at"`
	UpdatedAt       time.Time     `bson:"updated_at"`
}

type BlackoutDoc struct {
	Start  time.Time `bson:"start"`
	End    time.Time `bson:"end"`
	Reason string    `bson:"reason,omitempty"`
}

func (d ResourceDoc) toDomain() domain.Resource {
	res := domain.Resource{
		ID:              d.ID,
		OwnerID:         d.OwnerID,
		Category:        d.Category,
		Title:           d.Title,
		InstantBook:     d.InstantBook,
		Currency:        d.Currency,
		DailyRateCents:  d.DailyRateCents,
		HourlyRateCents: d.HourlyRateCents,
		Active:          d.Active,
	}
	for _, b := range d.Blackouts {
		res.Blackouts = append(res.Blackouts, domain.BlackoutRange{Start: b.Start.UTC(), End: b.End.UTC(), Reason: b.Reason})
	}
	return res
}

func FromDomain(res domain.Resource) ResourceDoc {
	doc := ResourceDoc{
		ID:              res.ID,
		OwnerID:         res.OwnerID,
		Category:        res.Category,
		Title:           res.Title,
		InstantBook:     res.InstantBook,
		Currency:        res.Currency,
		DailyRateCents:  res.DailyRateCents,
		HourlyRateCents: res.HourlyRateCents,
		Active:          res.Active,
		Blackouts:       []BlackoutDoc{},
	}
	for _, b := range res.Blackouts {
		doc.Blackouts = append(doc.Blackouts, BlackoutDoc{Start: b.Start, End: b.End, Reason: b.Reason})
	}
	return doc
}

func (c *CatalogRepository) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	var doc ResourceDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Resource{}, domain.ErrNotFound
	}
	if err != nil {
		c.logger.WithError(err).WithField("resource_id", id).Error("failed to get resource")
		return domain.Resource{}, errors.Wrap(err, "find resource")
	}
	return doc.toDomain(), nil
}

func (c *CatalogRepository) CreateResource(ctx context.Context, doc ResourceDoc) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Blackouts == nil {
		doc.Blackouts = []BlackoutDoc{}
	}
	_, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		c.logger.WithError(err).WithField("resource_id", doc.ID).Error("failed to create resource")
		return errors.Wrap(err, "insert resource")
	}
	return nil
}

// AddBlackout appends a range in which the resource cannot be booked.
func (c *CatalogRepository) AddBlackout(ctx context.Context, id string, b domain.BlackoutRange) error {
	if !b.End.After(b.Start) {
		return domain.InvalidWindow("blackout must end after it starts")
	}
	result, err := c.coll.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{
			"$push": bson.M{"blackouts": BlackoutDoc{Start: b.Start.UTC(), End: b.End.UTC(), Reason: b.Reason}},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		c.logger.WithError(err).WithField("resource_id", id).Error("failed to add blackout")
		return errors.Wrap(err, "add blackout")
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (c *CatalogRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := c.coll.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"active": active, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return errors.Wrap(err, "set resource active")
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
