package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// ErrInvalidCredentials is returned for unknown clients, inactive clients and bad tokens alike.
var ErrInvalidCredentials = errors.New("invalid client credentials")

// CreateAPIClient stores a bcrypt hash of the client token.
func (s *Store) CreateAPIClient(ctx context.Context, clientID, name, token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash client token: %w", err)
	}
	rec := APIClient{ClientID: clientID, Name: name, TokenHash: string(hash), Active: true}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Authenticate checks the Client-ID / Client-Token pair.
func (s *Store) Authenticate(ctx context.Context, clientID, token string) error {
	var rec APIClient
	if err := s.db.WithContext(ctx).Where("client_id = ? AND active = ?", clientID, true).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.TokenHash), []byte(token)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// SaveFirebaseProject upserts the client's FCM service-account credentials.
func (s *Store) SaveFirebaseProject(ctx context.Context, clientID, projectID, credentialsJSON string) error {
	rec := FirebaseProject{ClientID: clientID, ProjectID: projectID, CredentialsJSON: credentialsJSON, Active: true}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"project_id", "credentials_json", "active", "updated_at"}),
	}).Create(&rec).Error
}

// FirebaseCredentials returns the client's active project, or a NotFoundError
// when the client relies on the default credentials.
func (s *Store) FirebaseCredentials(ctx context.Context, clientID string) (projectID string, credentialsJSON []byte, err error) {
	var rec FirebaseProject
	if err := s.db.WithContext(ctx).Where("client_id = ? AND active = ?", clientID, true).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, &notification.NotFoundError{Resource: "firebase project", ID: clientID}
		}
		return "", nil, err
	}
	return rec.ProjectID, []byte(rec.CredentialsJSON), nil
}
