package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/events"
	"gateline/internal/repo"
)

const apiKeyPrefix = "gl_"

// CreateAPIKey issues a key for ownerID. The raw key is returned once; only
// its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, ownerID, name, actorID string) (string, domain.APIKey, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", domain.APIKey{}, validationError("actor id is required")
	}
	if err := e.authorize(ctx, e.DB, actorID, auth.PermAPIKeyManage); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate key: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   ownerID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.stamp(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.EnsureActor(ctx, tx, ownerID, key.CreatedAt); err != nil {
			return err
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		return e.emit(ctx, tx, "apikey.created", "", "api_key", key.ID, actorID, events.EventPayload{
			"actor_id": ownerID,
			"name":     key.Name,
		})
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, ownerID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, ownerID)
}
