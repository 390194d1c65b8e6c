package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"player-order-service/internal/config"
	"player-order-service/internal/events"
	"player-order-service/internal/models"
	"player-order-service/internal/telemetry"
)

// ArchiveStore persists one proof bundle and returns its location.
type ArchiveStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Orders is the read surface the archiver needs.
type Orders interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
	AppendAudit(ctx context.Context, entityID, event, detail string) error
}

// ProofArchiver listens for terminal order events and writes an
// immutable bundle of the order's checkpoint proofs to durable
// storage, so proofs survive whatever the game does to live rows.
type ProofArchiver struct {
	client  *redis.Client
	channel string
	orders  Orders
	store   ArchiveStore
	prefix  string
}

// NewProofArchiver wires the archiver onto an event channel.
func NewProofArchiver(client *redis.Client, channel string, orders Orders, store ArchiveStore, prefix string) *ProofArchiver {
	if channel == "" {
		channel = "orders.events"
	}
	if prefix == "" {
		prefix = "orders"
	}
	return &ProofArchiver{
		client:  client,
		channel: channel,
		orders:  orders,
		store:   store,
		prefix:  prefix,
	}
}

// Run subscribes and archives until context cancellation.
func (a *ProofArchiver) Run(ctx context.Context) error {
	sub := a.client.Subscribe(ctx, a.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("archiver: malformed event: %v", err)
				continue
			}
			if err := a.HandleEvent(ctx, ev); err != nil {
				log.Printf("archiver: handle %s for %s: %v", ev.Type, ev.EntityID, err)
			}
		}
	}
}

type proofBundle struct {
	OrderID     string          `json:"order_id"`
	Status      string          `json:"status"`
	AssigneeID  *string         `json:"assignee_id,omitempty"`
	Checkpoints []archivedProof `json:"checkpoints"`
	ArchivedAt  time.Time       `json:"archived_at"`
}

type archivedProof struct {
	Name        string     `json:"name"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Proof       *string    `json:"proof,omitempty"`
}

// HandleEvent archives proofs for completed and disputed orders;
// everything else is ignored.
func (a *ProofArchiver) HandleEvent(ctx context.Context, ev events.Event) error {
	if ev.Type != events.OrderCompleted && ev.Type != events.OrderDisputed {
		return nil
	}
	order, err := a.orders.GetOrder(ctx, ev.EntityID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	bundle := proofBundle{
		OrderID:    order.ID,
		Status:     order.Status,
		AssigneeID: order.AssigneeID,
		ArchivedAt: time.Now().UTC(),
	}
	for _, cp := range order.Checkpoints {
		bundle.Checkpoints = append(bundle.Checkpoints, archivedProof{
			Name:        cp.Name,
			Completed:   cp.Completed,
			CompletedAt: cp.CompletedAt,
			Proof:       cp.Proof,
		})
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	key := path.Join(a.prefix, order.ID, "proofs.json")
	location, err := a.store.Put(ctx, key, body, "application/json")
	if err != nil {
		return fmt.Errorf("store bundle: %w", err)
	}
	telemetry.ProofsArchived.Inc()
	return a.orders.AppendAudit(ctx, order.ID, "proofs_archived", location)
}

// S3Store writes proof bundles to an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the S3-backed archive store. A custom endpoint
// supports MinIO in development.
func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ProofS3Region),
	}
	if cfg.ProofS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ProofS3Endpoint,
					HostnameImmutable: cfg.ProofS3PathStyle,
					SigningRegion:     cfg.ProofS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ProofS3PathStyle
	})
	return &S3Store{client: client, bucket: cfg.ProofBucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
