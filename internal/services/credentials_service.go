package services

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"replybridge-backend/internal/config"
	"replybridge-backend/internal/crypto"
	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store"
)

// Custom errors for Credentials service
var (
	ErrCredentialNotFound   = errors.New("credential not found")
	ErrCredentialEncryption = errors.New("credential encryption failed")
	ErrCredentialDecryption = errors.New("credential decryption failed")
	ErrCredentialTestFailed = errors.New("credential test failed")
)

const credentialStatusActive = "ACTIVE"

// requiredCredentialKeys lists what each platform's adapter cannot work without.
var requiredCredentialKeys = map[models.Platform][]string{
	models.PlatformTelegram: {models.CredBotToken},
	models.PlatformWhatsApp: {models.CredAccessToken, models.CredPhoneNumberID},
	models.PlatformSlack:    {models.CredBotToken},
	models.PlatformDiscord:  {models.CredBotToken},
}

// CredentialsService owns the encrypted per (user, platform) bundles.
type CredentialsService struct {
	store   store.Store
	aead    cipher.AEAD
	factory integrations.Factory
}

func NewCredentialsService(s store.Store, aead cipher.AEAD, factory integrations.Factory) *CredentialsService {
	if factory == nil {
		factory = integrations.New
	}
	return &CredentialsService{store: s, aead: aead, factory: factory}
}

func credentialKeys(creds models.DecryptedCredentials) []string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toCredentialResponse(c *models.PlatformCredential, keys []string) *models.CredentialResponse {
	return &models.CredentialResponse{
		ID:        c.ID,
		Platform:  c.Platform,
		Keys:      keys,
		Status:    c.Status,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func validateCredentials(p models.Platform, creds models.DecryptedCredentials) error {
	if len(creds) == 0 {
		return fmt.Errorf("%w: credentials map cannot be empty", models.ErrValidation)
	}
	var missing []string
	for _, key := range requiredCredentialKeys[p] {
		if strings.TrimSpace(creds[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s credentials require %s", models.ErrValidation, p, strings.Join(missing, ", "))
	}
	return nil
}

// SaveCredentials verifies (unless skipped), encrypts and upserts a bundle.
func (s *CredentialsService) SaveCredentials(ctx context.Context, userID uuid.UUID, req models.CreateCredentialRequest) (*models.CredentialResponse, error) {
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		return nil, err
	}
	creds := models.DecryptedCredentials(req.Credentials)
	if err := validateCredentials(platform, creds); err != nil {
		return nil, err
	}

	if !req.SkipTest {
		log.Printf("[CredService] SaveCredentials: Performing pre-save test of %s credentials for UserID %s", platform, userID)
		result := integrations.TestConnection(ctx, s.factory, platform, creds)
		if !result.Success {
			log.Printf("WARN [CredService] SaveCredentials: %s pre-save test failed for UserID %s: %s", platform, userID, result.Message)
			return nil, fmt.Errorf("%w: %s", ErrCredentialTestFailed, result.Message)
		}
	}

	encrypted, err := crypto.EncryptJSON(s.aead, creds)
	if err != nil {
		log.Printf("ERROR [CredService] SaveCredentials: Encryption failed for UserID %s: %v", userID, err)
		return nil, ErrCredentialEncryption
	}

	stored, err := s.store.UpsertPlatformCredential(ctx, &models.PlatformCredential{
		ID:                   uuid.New(),
		UserID:               userID,
		Platform:             platform,
		EncryptedCredentials: encrypted,
		Status:               credentialStatusActive,
	})
	if err != nil {
		log.Printf("ERROR [CredService] SaveCredentials: Store call failed for UserID %s: %v", userID, err)
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	keys := credentialKeys(creds)
	log.Printf("[CredService] SaveCredentials: Stored %s credentials (keys %v) for UserID %s", platform, keys, userID)
	return toCredentialResponse(stored, keys), nil
}

// GetPlatformCredentials returns the decrypted bundle, or models.ErrCredentialMissing.
func (s *CredentialsService) GetPlatformCredentials(ctx context.Context, userID uuid.UUID, platform models.Platform) (*models.CredentialBundle, error) {
	stored, err := s.store.GetPlatformCredential(ctx, userID, platform)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no %s credentials for user %s", models.ErrCredentialMissing, platform, userID)
		}
		return nil, fmt.Errorf("failed to retrieve credential: %w", err)
	}
	creds, err := s.decrypt(stored)
	if err != nil {
		return nil, err
	}
	return &models.CredentialBundle{UserID: userID, Platform: platform, Credentials: creds}, nil
}

func (s *CredentialsService) decrypt(stored *models.PlatformCredential) (models.DecryptedCredentials, error) {
	var creds models.DecryptedCredentials
	if err := crypto.DecryptJSON(s.aead, stored.EncryptedCredentials, &creds); err != nil {
		log.Printf("ERROR [CredService] decrypt: %s credential %s unreadable: %v", stored.Platform, stored.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrCredentialDecryption, err)
	}
	return creds, nil
}

// ListCredentials reports which platforms are configured and which keys each bundle carries.
func (s *CredentialsService) ListCredentials(ctx context.Context, userID uuid.UUID) ([]models.CredentialResponse, error) {
	stored, err := s.store.ListPlatformCredentials(ctx, userID)
	if err != nil {
		log.Printf("ERROR [CredService] ListCredentials: Store call failed for UserID %s: %v", userID, err)
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	resp := make([]models.CredentialResponse, 0, len(stored))
	for i := range stored {
		var keys []string
		if creds, err := s.decrypt(&stored[i]); err == nil {
			keys = credentialKeys(creds)
		}
		resp = append(resp, *toCredentialResponse(&stored[i], keys))
	}
	return resp, nil
}

func (s *CredentialsService) DeleteCredential(ctx context.Context, userID uuid.UUID, platform models.Platform) error {
	if err := s.store.DeletePlatformCredential(ctx, userID, platform); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCredentialNotFound
		}
		log.Printf("ERROR [CredService] DeleteCredential: Store call failed for %s, UserID %s: %v", platform, userID, err)
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	log.Printf("[CredService] DeleteCredential: Deleted %s credentials for UserID %s", platform, userID)
	return nil
}

// TestCredentials connects a verifying adapter with the stored bundle.
func (s *CredentialsService) TestCredentials(ctx context.Context, userID uuid.UUID, platform models.Platform) (*models.TestConnectionResult, error) {
	bundle, err := s.GetPlatformCredentials(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	log.Printf("[CredService] TestCredentials: Testing %s credentials (keys %v) for UserID %s", platform, credentialKeys(bundle.Credentials), userID)
	return integrations.TestConnection(ctx, s.factory, platform, bundle.Credentials), nil
}

// SystemBundles builds the process-wide default bundles from configuration,
// in platform order, skipping platforms whose required keys are absent.
func SystemBundles(cfg *config.Config) []*models.CredentialBundle {
	candidates := map[models.Platform]models.DecryptedCredentials{
		models.PlatformTelegram: {
			models.CredBotToken:   cfg.TelegramBotToken,
			models.CredWebhookURL: webhookURL(cfg.PublicBaseURL, models.PlatformTelegram),
		},
		models.PlatformWhatsApp: {
			models.CredAccessToken:   cfg.WhatsAppAccessToken,
			models.CredPhoneNumberID: cfg.WhatsAppPhoneNumberID,
			models.CredVerifyToken:   cfg.WhatsAppVerifyToken,
			models.CredAppSecret:     cfg.WhatsAppAppSecret,
		},
		models.PlatformSlack: {
			models.CredBotToken:      cfg.SlackBotToken,
			models.CredChannelID:     cfg.SlackDefaultChannel,
			models.CredSigningSecret: cfg.SlackSigningSecret,
		},
		models.PlatformDiscord: {
			models.CredBotToken: cfg.DiscordBotToken,
		},
	}

	var bundles []*models.CredentialBundle
	for _, p := range models.AllPlatforms {
		creds := candidates[p]
		for k, v := range creds {
			if v == "" {
				delete(creds, k)
			}
		}
		if validateCredentials(p, creds) != nil {
			continue
		}
		bundles = append(bundles, &models.CredentialBundle{Platform: p, Credentials: creds})
	}
	return bundles
}

func webhookURL(base string, p models.Platform) string {
	if base == "" {
		return ""
	}
	return base + "/webhooks/" + string(p)
}
