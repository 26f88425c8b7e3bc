package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"givecycle/internal/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ReceiptArchive keeps a copy of every settlement record in object storage
// so donors can download a receipt later.
type ReceiptArchive interface {
	EnsureBucketExists(ctx context.Context) error
	StoreReceipt(ctx context.Context, record *models.SettlementRecord) (string, error)
	GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// objectStore is the subset of *minio.Client used by the archive.
type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

type minioReceiptArchive struct {
	client objectStore
	bucket string
}

// NewMinioReceiptArchive connects to a MinIO or S3 endpoint. Receipts are
// written to bucket.
func NewMinioReceiptArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool) (ReceiptArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &minioReceiptArchive{client: client, bucket: bucket}, nil
}

type receiptDocument struct {
	ReceiptID            string  `json:"receipt_id"`
	SubscriptionID       string  `json:"subscription_id"`
	DonorID              string  `json:"donor_id"`
	Amount               string  `json:"amount"`
	FeeAmount            string  `json:"fee_amount"`
	TotalCharged         string  `json:"total_charged"`
	Currency             string  `json:"currency"`
	Message              *string `json:"message,omitempty"`
	CampaignID           *string `json:"campaign_id,omitempty"`
	GatewayTransactionID string  `json:"gateway_transaction_id"`
	LedgerID             *string `json:"ledger_id,omitempty"`
	PeriodDueDate        string  `json:"period_due_date"`
	ChargedAt            string  `json:"charged_at"`
}

// ReceiptObjectName is the object key a settlement record is archived under.
func ReceiptObjectName(record *models.SettlementRecord) string {
	return fmt.Sprintf("receipts/%s/%s-%s.json", record.SubscriptionID, record.PeriodDueDate.Format("20060102"), record.ID)
}

func (a *minioReceiptArchive) EnsureBucketExists(ctx context.Context) error {
	found, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !found {
		return a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (a *minioReceiptArchive) StoreReceipt(ctx context.Context, record *models.SettlementRecord) (string, error) {
	doc := receiptDocument{
		ReceiptID:            record.ID.String(),
		SubscriptionID:       record.SubscriptionID.String(),
		DonorID:              record.DonorID.String(),
		Amount:               record.Amount.StringFixed(2),
		FeeAmount:            record.FeeAmount.StringFixed(2),
		TotalCharged:         record.TotalCharged.StringFixed(2),
		Currency:             record.Currency,
		Message:              record.Message,
		GatewayTransactionID: record.GatewayTransactionID,
		LedgerID:             record.LedgerID,
		PeriodDueDate:        record.PeriodDueDate.Format("2006-01-02"),
		ChargedAt:            record.ChargedAt.Format(time.RFC3339),
	}
	if record.CampaignID != nil {
		id := record.CampaignID.String()
		doc.CampaignID = &id
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}

	objectName := ReceiptObjectName(record)
	_, err = a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload receipt %s: %w", objectName, err)
	}
	return objectName, nil
}

func (a *minioReceiptArchive) GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := a.client.PresignedGetObject(ctx, a.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

type noopReceiptArchive struct{}

// NewNoopReceiptArchive is used when object storage is not configured.
func NewNoopReceiptArchive() ReceiptArchive {
	return noopReceiptArchive{}
}

func (noopReceiptArchive) EnsureBucketExists(context.Context) error { return nil }

func (noopReceiptArchive) StoreReceipt(context.Context, *models.SettlementRecord) (string, error) {
	return "", nil
}

func (noopReceiptArchive) GetPresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", fmt.Errorf("receipt archive is not configured")
}
