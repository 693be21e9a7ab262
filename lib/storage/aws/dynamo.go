/*
Copyright 2025 Impalah

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package aws implements the repository interfaces on AWS managed
// services: DynamoDB for the certificate registry, Secrets Manager for
// secrets and S3 for blobs.
package aws

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/storage"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component(apuntador.ComponentStorage, "aws"))

const (
	// serialIndex is the GSI serving point lookups by certificate serial.
	serialIndex = "serial-index"

	// deviceExpiryIndex is the GSI ordering a device's certificates by
	// expiry.
	deviceExpiryIndex = "device-expiry-index"

	// tableCreationTimeout bounds the wait for a freshly created table to
	// become active.
	tableCreationTimeout = 2 * time.Minute
)

// DynamoClient is the subset of the DynamoDB API the certificate store
// uses. Tests substitute a fake.
type DynamoClient interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// CertificateStoreConfig holds parameters for the DynamoDB certificate
// registry.
type CertificateStoreConfig struct {
	// TableName is the DynamoDB table holding the records.
	TableName string
	// AutoCreate provisions the table on first use when it is missing.
	AutoCreate bool
	// Client is the DynamoDB API client.
	Client DynamoClient
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *CertificateStoreConfig) CheckAndSetDefaults() error {
	if c.TableName == "" {
		return trace.BadParameter("missing parameter TableName")
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// certificateItem is the DynamoDB representation of one registry record.
// Timestamps are RFC 3339 strings in UTC so the expiry range key sorts
// chronologically.
type certificateItem struct {
	DeviceID         string `dynamodbav:"device_id"`
	Serial           string `dynamodbav:"serial"`
	Platform         string `dynamodbav:"platform"`
	IssuedAt         string `dynamodbav:"issued_at"`
	ExpiresAt        string `dynamodbav:"expires_at"`
	CertificatePEM   string `dynamodbav:"certificate_pem"`
	Revoked          bool   `dynamodbav:"revoked"`
	RevokedAt        string `dynamodbav:"revoked_at,omitempty"`
	RevocationReason string `dynamodbav:"revocation_reason,omitempty"`
}

func toItem(cert storage.Certificate) certificateItem {
	item := certificateItem{
		DeviceID:         cert.DeviceID,
		Serial:           cert.Serial,
		Platform:         cert.Platform,
		IssuedAt:         cert.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAt:        cert.ExpiresAt.UTC().Format(time.RFC3339),
		CertificatePEM:   cert.CertificatePEM,
		Revoked:          cert.Revoked,
		RevocationReason: cert.RevocationReason,
	}
	if cert.RevokedAt != nil {
		item.RevokedAt = cert.RevokedAt.UTC().Format(time.RFC3339)
	}
	return item
}

func fromItem(item certificateItem) (*storage.Certificate, error) {
	issuedAt, err := time.Parse(time.RFC3339, item.IssuedAt)
	if err != nil {
		return nil, trace.BadParameter("corrupt issued_at %q: %v", item.IssuedAt, err)
	}
	expiresAt, err := time.Parse(time.RFC3339, item.ExpiresAt)
	if err != nil {
		return nil, trace.BadParameter("corrupt expires_at %q: %v", item.ExpiresAt, err)
	}
	cert := &storage.Certificate{
		DeviceID:         item.DeviceID,
		Serial:           item.Serial,
		Platform:         item.Platform,
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
		CertificatePEM:   item.CertificatePEM,
		Revoked:          item.Revoked,
		RevocationReason: item.RevocationReason,
	}
	if item.RevokedAt != "" {
		revokedAt, err := time.Parse(time.RFC3339, item.RevokedAt)
		if err != nil {
			return nil, trace.BadParameter("corrupt revoked_at %q: %v", item.RevokedAt, err)
		}
		cert.RevokedAt = &revokedAt
	}
	return cert, nil
}

// NewCertificateStore creates the DynamoDB certificate registry, optionally
// provisioning the table.
func NewCertificateStore(ctx context.Context, cfg CertificateStoreConfig) (*CertificateStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &CertificateStore{cfg: cfg}
	if err := s.ensureTable(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// CertificateStore is the DynamoDB-backed certificate registry. The table
// key is (device_id, serial); a GSI on serial serves the request-validation
// hot path and a GSI on (device_id, expires_at) serves expiry queries.
type CertificateStore struct {
	cfg CertificateStoreConfig
}

func (s *CertificateStore) ensureTable(ctx context.Context) error {
	_, err := s.cfg.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.cfg.TableName),
	})
	if err == nil {
		return nil
	}
	var notFound *dynamotypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return trace.Wrap(convertDynamoError(err))
	}
	if !s.cfg.AutoCreate {
		return trace.NotFound("DynamoDB table %q does not exist and auto-create is disabled", s.cfg.TableName)
	}
	return trace.Wrap(s.createTable(ctx))
}

func (s *CertificateStore) createTable(ctx context.Context) error {
	log.InfoContext(ctx, "Creating DynamoDB certificate table.", "table", s.cfg.TableName)
	_, err := s.cfg.Client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.cfg.TableName),
		BillingMode: dynamotypes.BillingModePayPerRequest,
		AttributeDefinitions: []dynamotypes.AttributeDefinition{
			{AttributeName: aws.String("device_id"), AttributeType: dynamotypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("serial"), AttributeType: dynamotypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("expires_at"), AttributeType: dynamotypes.ScalarAttributeTypeS},
		},
		KeySchema: []dynamotypes.KeySchemaElement{
			{AttributeName: aws.String("device_id"), KeyType: dynamotypes.KeyTypeHash},
			{AttributeName: aws.String("serial"), KeyType: dynamotypes.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []dynamotypes.GlobalSecondaryIndex{
			{
				IndexName: aws.String(serialIndex),
				KeySchema: []dynamotypes.KeySchemaElement{
					{AttributeName: aws.String("serial"), KeyType: dynamotypes.KeyTypeHash},
				},
				Projection: &dynamotypes.Projection{ProjectionType: dynamotypes.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(deviceExpiryIndex),
				KeySchema: []dynamotypes.KeySchemaElement{
					{AttributeName: aws.String("device_id"), KeyType: dynamotypes.KeyTypeHash},
					{AttributeName: aws.String("expires_at"), KeyType: dynamotypes.KeyTypeRange},
				},
				Projection: &dynamotypes.Projection{ProjectionType: dynamotypes.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		return trace.Wrap(convertDynamoError(err), "provisioning DynamoDB table %q", s.cfg.TableName)
	}
	if client, ok := s.cfg.Client.(*dynamodb.Client); ok {
		waiter := dynamodb.NewTableExistsWaiter(client)
		err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(s.cfg.TableName),
		}, tableCreationTimeout)
		if err != nil {
			return trace.Wrap(convertDynamoError(err), "waiting for DynamoDB table %q", s.cfg.TableName)
		}
	}
	log.InfoContext(ctx, "DynamoDB certificate table is active.", "table", s.cfg.TableName)
	return nil
}

// Save upserts a record by (device_id, serial).
func (s *CertificateStore) Save(ctx context.Context, cert storage.Certificate) error {
	if err := cert.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	item, err := attributevalue.MarshalMap(toItem(cert))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.cfg.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.TableName),
		Item:      item,
	})
	if err != nil {
		return trace.Wrap(convertDynamoError(err))
	}
	return nil
}

// GetLatest returns the most recently issued record for the device.
func (s *CertificateStore) GetLatest(ctx context.Context, deviceID string) (*storage.Certificate, error) {
	certs, err := s.queryDevice(ctx, deviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(certs) == 0 {
		return nil, trace.NotFound("no certificates for device %q", deviceID)
	}
	latest := certs[0]
	for _, cert := range certs[1:] {
		if cert.IssuedAt.After(latest.IssuedAt) {
			latest = cert
		}
	}
	return &latest, nil
}

func (s *CertificateStore) queryDevice(ctx context.Context, deviceID string) ([]storage.Certificate, error) {
	var certs []storage.Certificate
	var startKey map[string]dynamotypes.AttributeValue
	for {
		out, err := s.cfg.Client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.cfg.TableName),
			KeyConditionExpression: aws.String("device_id = :device_id"),
			ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
				":device_id": &dynamotypes.AttributeValueMemberS{Value: deviceID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, trace.Wrap(convertDynamoError(err))
		}
		parsed, err := unmarshalItems(out.Items)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		certs = append(certs, parsed...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return certs, nil
}

// GetBySerial queries the serial GSI. Serial comparison is normalized to
// the registry's uppercase representation.
func (s *CertificateStore) GetBySerial(ctx context.Context, serial string) (*storage.Certificate, error) {
	out, err := s.cfg.Client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.TableName),
		IndexName:              aws.String(serialIndex),
		KeyConditionExpression: aws.String("serial = :serial"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":serial": &dynamotypes.AttributeValueMemberS{Value: strings.ToUpper(serial)},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, trace.Wrap(convertDynamoError(err))
	}
	if len(out.Items) == 0 {
		return nil, trace.NotFound("unknown certificate serial %q", serial)
	}
	var item certificateItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, trace.Wrap(err)
	}
	return fromItem(item)
}

// IsWhitelisted reports whether the serial maps to a live, non-revoked
// record.
func (s *CertificateStore) IsWhitelisted(ctx context.Context, serial string) (bool, error) {
	cert, err := s.GetBySerial(ctx, serial)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	if cert.Revoked {
		return false, nil
	}
	now := s.cfg.Clock.Now()
	if now.Before(cert.IssuedAt) || now.After(cert.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

// Revoke marks the latest certificate of the device revoked.
func (s *CertificateStore) Revoke(ctx context.Context, deviceID, reason string) (bool, error) {
	latest, err := s.GetLatest(ctx, deviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	_, err = s.cfg.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.cfg.TableName),
		Key: map[string]dynamotypes.AttributeValue{
			"device_id": &dynamotypes.AttributeValueMemberS{Value: latest.DeviceID},
			"serial":    &dynamotypes.AttributeValueMemberS{Value: latest.Serial},
		},
		UpdateExpression: aws.String("SET revoked = :revoked, revoked_at = :revoked_at, revocation_reason = :reason"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":revoked":    &dynamotypes.AttributeValueMemberBOOL{Value: true},
			":revoked_at": &dynamotypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":reason":     &dynamotypes.AttributeValueMemberS{Value: reason},
		},
	})
	if err != nil {
		return false, trace.Wrap(convertDynamoError(err))
	}
	log.InfoContext(ctx, "Revoked certificate.",
		"device_id", deviceID, "serial", latest.Serial, "reason", reason)
	return true, nil
}

// RevokeSerial marks the certificate with the given serial revoked.
func (s *CertificateStore) RevokeSerial(ctx context.Context, serial, reason string) (bool, error) {
	cert, err := s.GetBySerial(ctx, serial)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	_, err = s.cfg.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.cfg.TableName),
		Key: map[string]dynamotypes.AttributeValue{
			"device_id": &dynamotypes.AttributeValueMemberS{Value: cert.DeviceID},
			"serial":    &dynamotypes.AttributeValueMemberS{Value: cert.Serial},
		},
		UpdateExpression: aws.String("SET revoked = :revoked, revoked_at = :revoked_at, revocation_reason = :reason"),
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":revoked":    &dynamotypes.AttributeValueMemberBOOL{Value: true},
			":revoked_at": &dynamotypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":reason":     &dynamotypes.AttributeValueMemberS{Value: reason},
		},
	})
	if err != nil {
		return false, trace.Wrap(convertDynamoError(err))
	}
	log.InfoContext(ctx, "Revoked certificate.",
		"device_id", cert.DeviceID, "serial", cert.Serial, "reason", reason)
	return true, nil
}

// ListExpiring scans for non-revoked records expiring within the given
// number of days.
func (s *CertificateStore) ListExpiring(ctx context.Context, days int) ([]storage.Certificate, error) {
	horizon := s.cfg.Clock.Now().Add(time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339)
	var certs []storage.Certificate
	var startKey map[string]dynamotypes.AttributeValue
	for {
		out, err := s.cfg.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.cfg.TableName),
			FilterExpression: aws.String("revoked = :revoked AND expires_at <= :horizon"),
			ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
				":revoked": &dynamotypes.AttributeValueMemberBOOL{Value: false},
				":horizon": &dynamotypes.AttributeValueMemberS{Value: horizon},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, trace.Wrap(convertDynamoError(err))
		}
		parsed, err := unmarshalItems(out.Items)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		certs = append(certs, parsed...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return certs, nil
}

// ListAll enumerates every record.
func (s *CertificateStore) ListAll(ctx context.Context) ([]storage.Certificate, error) {
	var certs []storage.Certificate
	var startKey map[string]dynamotypes.AttributeValue
	for {
		out, err := s.cfg.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.cfg.TableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, trace.Wrap(convertDynamoError(err))
		}
		parsed, err := unmarshalItems(out.Items)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		certs = append(certs, parsed...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return certs, nil
}

func unmarshalItems(items []map[string]dynamotypes.AttributeValue) ([]storage.Certificate, error) {
	certs := make([]storage.Certificate, 0, len(items))
	for _, raw := range items {
		var item certificateItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, trace.Wrap(err)
		}
		cert, err := fromItem(item)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		certs = append(certs, *cert)
	}
	return certs, nil
}

// convertDynamoError translates DynamoDB API errors into trace types so
// callers never see SDK-specific errors.
func convertDynamoError(err error) error {
	var notFound *dynamotypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return trace.NotFound("%s", aws.ToString(notFound.Message))
	}
	var inUse *dynamotypes.ResourceInUseException
	if errors.As(err, &inUse) {
		return trace.AlreadyExists("%s", aws.ToString(inUse.Message))
	}
	var conditional *dynamotypes.ConditionalCheckFailedException
	if errors.As(err, &conditional) {
		return trace.CompareFailed("%s", aws.ToString(conditional.Message))
	}
	var throughput *dynamotypes.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return trace.LimitExceeded("%s", aws.ToString(throughput.Message))
	}
	return err
}
