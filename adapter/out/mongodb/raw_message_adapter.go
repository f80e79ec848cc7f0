package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

const (
	collectionRawMessages = "raw_messages"

	// Payloads below this size stay uncompressed; gzip framing would cost
	// more than it saves.
	compressionThreshold = 1024 // 1KB

	defaultRetention = 30 * 24 * time.Hour
)

// RawMessageAdapter archives fetched provider payloads. Documents are keyed
// by (account_id, email_id) so a refetch overwrites, and a TTL index on
// fetched_at expires them after the retention window.
type RawMessageAdapter struct {
	collection *mongo.Collection
	retention  time.Duration
}

// NewRawMessageAdapter creates the archive over the given database. A zero
// or negative retention falls back to 30 days.
func NewRawMessageAdapter(db *mongo.Database, retention time.Duration) *RawMessageAdapter {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RawMessageAdapter{
		collection: db.Collection(collectionRawMessages),
		retention:  retention,
	}
}

// EnsureIndexes creates the lookup index and the TTL index.
func (a *RawMessageAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "fetched_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "fetched_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(a.retention.Seconds())),
		},
	}

	if _, err := a.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return apperr.DatabaseError("ensure raw message indexes", err)
	}
	return nil
}

// rawMessageDocument is the stored shape. The _id doubles as the reference
// the pipeline records on the processed email.
type rawMessageDocument struct {
	ID        string `bson:"_id"`
	AccountID string `bson:"account_id"`
	EmailID   string `bson:"email_id"`
	ThreadID  string `bson:"thread_id,omitempty"`
	Subject   string `bson:"subject,omitempty"`

	Payload      []byte `bson:"payload"`
	IsCompressed bool   `bson:"is_compressed"`

	OriginalSize int64 `bson:"original_size"`
	StoredSize   int64 `bson:"stored_size"`

	FetchedAt time.Time `bson:"fetched_at"`
}

func rawDocID(accountID, emailID string) string {
	return accountID + ":" + emailID
}

// Save upserts the payload and returns the document id.
func (a *RawMessageAdapter) Save(ctx context.Context, msg *domain.RawMessage) (string, error) {
	if msg == nil || msg.AccountID == "" || msg.EmailID == "" {
		return "", apperr.MissingField("account_id/email_id")
	}

	payload := msg.Payload
	originalSize := int64(len(payload))
	compressed := false

	if originalSize > compressionThreshold {
		packed, err := compress(payload)
		if err != nil {
			return "", apperr.InternalWithError(err)
		}
		payload = packed
		compressed = true
	}

	fetchedAt := msg.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	id := rawDocID(msg.AccountID, msg.EmailID)
	doc := rawMessageDocument{
		ID:           id,
		AccountID:    msg.AccountID,
		EmailID:      msg.EmailID,
		ThreadID:     msg.ThreadID,
		Subject:      msg.Subject,
		Payload:      payload,
		IsCompressed: compressed,
		OriginalSize: originalSize,
		StoredSize:   int64(len(payload)),
		FetchedAt:    fetchedAt,
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := a.collection.ReplaceOne(ctx, bson.M{"_id": id}, doc, opts); err != nil {
		return "", apperr.DatabaseError("save raw message", err)
	}

	return id, nil
}

// Get loads one archived payload and inflates it if it was compressed.
func (a *RawMessageAdapter) Get(ctx context.Context, accountID, emailID string) (*domain.RawMessage, error) {
	if accountID == "" || emailID == "" {
		return nil, apperr.MissingField("account_id/email_id")
	}

	var doc rawMessageDocument
	err := a.collection.FindOne(ctx, bson.M{"_id": rawDocID(accountID, emailID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("raw message")
		}
		return nil, apperr.DatabaseError("get raw message", err)
	}

	payload := doc.Payload
	if doc.IsCompressed {
		payload, err = decompress(doc.Payload)
		if err != nil {
			return nil, apperr.InternalWithError(err)
		}
	}

	return &domain.RawMessage{
		AccountID: doc.AccountID,
		EmailID:   doc.EmailID,
		ThreadID:  doc.ThreadID,
		Subject:   doc.Subject,
		Payload:   payload,
		FetchedAt: doc.FetchedAt,
	}, nil
}

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

var _ out.RawMessageStore = (*RawMessageAdapter)(nil)
