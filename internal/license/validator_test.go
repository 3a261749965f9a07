package license

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	kfcrypto "github.com/keyforge/keyforge/internal/crypto"
	"github.com/keyforge/keyforge/internal/keygen"
	"github.com/keyforge/keyforge/internal/models"
)

// memKeyStore is an in-memory KeyStore with the same atomicity guarantees the
// Postgres implementation gives via conditional UPDATEs
type memKeyStore struct {
	mu   sync.Mutex
	keys map[string]*models.LicenseKey
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: make(map[string]*models.LicenseKey)}
}

func (s *memKeyStore) FindByKeyString(_ context.Context, keyString string) (*models.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyString]
	if !ok {
		return nil, ErrKeyNotFound
	}
	copied := *key
	return &copied, nil
}

func (s *memKeyStore) FindByID(_ context.Context, id uuid.UUID) (*models.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.byID(id)
	if key == nil {
		return nil, ErrKeyNotFound
	}
	copied := *key
	return &copied, nil
}

func (s *memKeyStore) Create(_ context.Context, key *models.LicenseKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *key
	s.keys[key.KeyString] = &copied
	return nil
}

func (s *memKeyStore) CreateMany(_ context.Context, keys []*models.LicenseKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, key := range keys {
		if _, dup := s.keys[key.KeyString]; dup {
			continue
		}
		copied := *key
		s.keys[key.KeyString] = &copied
		inserted++
	}
	return inserted, nil
}

func (s *memKeyStore) MarkExpired(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.byID(id)
	if key == nil {
		return ErrKeyNotFound
	}
	key.Status = models.KeyStatusExpired
	return nil
}

func (s *memKeyStore) IncrementActivation(_ context.Context, id uuid.UUID) (*models.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.byID(id)
	if key == nil {
		return nil, ErrKeyNotFound
	}
	switch key.Status {
	case models.KeyStatusRevoked:
		return nil, ErrAlreadyRevoked
	case models.KeyStatusExpired:
		return nil, ErrKeyExpired
	}
	if key.Activations >= key.MaxActivations {
		return nil, ErrQuotaExceeded
	}
	key.Activations++
	key.Status = models.KeyStatusActive
	copied := *key
	return &copied, nil
}

func (s *memKeyStore) Revoke(_ context.Context, keyString, reason string, notes *string) (*models.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyString]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if key.Status == models.KeyStatusRevoked {
		return nil, ErrAlreadyRevoked
	}
	now := time.Now()
	key.Status = models.KeyStatusRevoked
	key.RevokedAt = &now
	key.RevokedReason = &reason
	key.RevokedNotes = notes
	copied := *key
	return &copied, nil
}

func (s *memKeyStore) Allocate(_ context.Context, productID uuid.UUID) (*models.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if key.ProductID == productID && key.Status == models.KeyStatusAvailable {
			key.Status = models.KeyStatusSold
			copied := *key
			return &copied, nil
		}
	}
	return nil, ErrNoAvailableKey
}

func (s *memKeyStore) byID(id uuid.UUID) *models.LicenseKey {
	for _, key := range s.keys {
		if key.ID == id {
			return key
		}
	}
	return nil
}

type memProductStore struct {
	products map[uuid.UUID]*models.Product
}

func (s *memProductStore) FindByID(_ context.Context, id uuid.UUID) (*models.Product, error) {
	product, ok := s.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	copied := *product
	return &copied, nil
}

type memAuditSink struct {
	mu      sync.Mutex
	entries []models.ValidationLog
}

func (s *memAuditSink) AppendBatch(_ context.Context, entries []models.ValidationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memAuditSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func newTestSigner(t *testing.T) *kfcrypto.Signer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	privDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("Failed to generate HMAC secret: %v", err)
	}

	signer, err := kfcrypto.NewSigner(kfcrypto.KeyMaterial{
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		HMACSecret:    string(secret),
	})
	if err != nil {
		t.Fatalf("Failed to construct signer: %v", err)
	}
	return signer
}

type fixture struct {
	service  *Service
	keys     *memKeyStore
	products *memProductStore
	signer   *kfcrypto.Signer
	product  *models.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer := newTestSigner(t)
	keys := newMemKeyStore()
	product := &models.Product{
		ID:       uuid.New(),
		Name:     "KeyForge Pro",
		Features: map[string]any{"seats": float64(5), "tier": "pro"},
	}
	products := &memProductStore{products: map[uuid.UUID]*models.Product{product.ID: product}}

	return &fixture{
		service:  NewService(keys, products, signer, nil),
		keys:     keys,
		products: products,
		signer:   signer,
		product:  product,
	}
}

// seedKey generates, signs and stores one key, returning the stored record
func (f *fixture) seedKey(t *testing.T, maxActivations int, expiresAt *time.Time) *models.LicenseKey {
	t.Helper()

	generator := keygen.NewGenerator(f.signer)
	generated, err := generator.Generate("ABCD")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	now := time.Now()
	key := &models.LicenseKey{
		ID:             uuid.New(),
		KeyString:      generated.KeyString,
		Signature:      generated.Signature,
		ProductID:      f.product.ID,
		Status:         models.KeyStatusSold,
		MaxActivations: maxActivations,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.keys.Create(context.Background(), key); err != nil {
		t.Fatalf("Failed to store key: %v", err)
	}
	return key
}

func TestValidateKeyMalformedFormat(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.ValidateKey(context.Background(), "not-a-key", Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if result.Valid || result.Status != VerdictInvalidFormat {
		t.Fatalf("Expected INVALID_FORMAT, got %+v", result)
	}
}

func TestValidateKeyNotFound(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.ValidateKey(context.Background(), "ABCD-1234-ABCD-1234-ABCD-1234-ABCD-1234", Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if result.Valid || result.Status != VerdictNotFound {
		t.Fatalf("Expected NOT_FOUND, got %+v", result)
	}
}

func TestValidateKeyTamperedSignature(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, 1, nil)

	f.keys.mu.Lock()
	f.keys.keys[key.KeyString].Signature = "dGFtcGVyZWQ=.dGFtcGVyZWQ="
	f.keys.mu.Unlock()

	result, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if result.Valid || result.Status != VerdictInvalid {
		t.Fatalf("Expected INVALID, got %+v", result)
	}
}

func TestValidateKeySuccess(t *testing.T) {
	f := newFixture(t)
	expiresAt := time.Now().Add(24 * time.Hour)
	key := f.seedKey(t, 1, &expiresAt)

	result, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{IPAddress: "203.0.113.9"})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if !result.Valid || result.Status != VerdictValid {
		t.Fatalf("Expected VALID, got %+v", result)
	}
	if result.ActivationsRemaining != 1 {
		t.Fatalf("Expected 1 activation remaining, got %d", result.ActivationsRemaining)
	}
	if result.ProductName != "KeyForge Pro" {
		t.Fatalf("Expected product name in result, got %q", result.ProductName)
	}
	if result.ProductFeatures["tier"] != "pro" {
		t.Fatalf("Expected product features in result, got %v", result.ProductFeatures)
	}
	if result.ExpiresAt == nil || !result.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("Expected expires_at %v, got %v", expiresAt, result.ExpiresAt)
	}
}

// A key pointing at a deleted product still validates; product enrichment is
// best-effort
func TestValidateKeyMissingProduct(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, 1, nil)
	delete(f.products.products, f.product.ID)

	result, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if !result.Valid || result.ProductName != "" {
		t.Fatalf("Expected VALID with empty product name, got %+v", result)
	}
}

// Accepted input variants canonicalize to the stored form, so a lowercase or
// unhyphenated rendering of a real key reaches the same record
func TestValidateKeyNormalizedVariants(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, 1, nil)

	variants := []string{
		strings.ToLower(key.KeyString),
		strings.ReplaceAll(key.KeyString, "-", ""),
		strings.ToLower(strings.ReplaceAll(key.KeyString, "-", "")),
	}
	for _, variant := range variants {
		result, err := f.service.ValidateKey(context.Background(), variant, Metadata{})
		if err != nil {
			t.Fatalf("ValidateKey(%q) failed: %v", variant, err)
		}
		if !result.Valid || result.Status != VerdictValid {
			t.Fatalf("Expected VALID for variant %q, got %+v", variant, result)
		}
	}
}

func TestRevokeKeyAcceptsNormalizedInput(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, 1, nil)

	revoked, err := f.service.RevokeKey(context.Background(), strings.ToLower(key.KeyString), "FRAUD", nil)
	if err != nil {
		t.Fatalf("RevokeKey on lowercase input failed: %v", err)
	}
	if revoked.ID != key.ID {
		t.Fatalf("Revoked the wrong key: %s", revoked.ID)
	}
}

func TestGetKeyAcceptsNormalizedInput(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, 1, nil)

	found, err := f.service.GetKey(context.Background(), strings.ToLower(key.KeyString))
	if err != nil {
		t.Fatalf("GetKey on lowercase input failed: %v", err)
	}
	if found.ID != key.ID {
		t.Fatalf("GetKey returned the wrong key: %s", found.ID)
	}
}

// Fresh unsold stock validates immediately with its full activation budget
func TestValidateFreshlyGeneratedKey(t *testing.T) {
	f := newFixture(t)
	generator := keygen.NewGenerator(f.signer)

	generated, err := generator.Generate("ABCD")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := f.service.StoreGeneratedKeys(context.Background(), f.product.ID, []keygen.GeneratedKey{generated}, 1, nil); err != nil {
		t.Fatalf("StoreGeneratedKeys failed: %v", err)
	}

	result, err := f.service.ValidateKey(context.Background(), generated.KeyString, Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if !result.Valid || result.ActivationsRemaining != 1 {
		t.Fatalf("Expected VALID with 1 activation remaining, got %+v", result)
	}
}

func TestValidateKeyRevokedVerdict(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, 1, nil)

	if _, err := f.service.RevokeKey(context.Background(), key.KeyString, "REFUND", nil); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	result, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if result.Valid || result.Status != VerdictRevoked {
		t.Fatalf("Expected REVOKED, got %+v", result)
	}
	if result.Reason != "key has been revoked: REFUND" {
		t.Fatalf("Expected revocation reason in verdict, got %q", result.Reason)
	}

	// Revocation is terminal; a second revoke is a conflict.
	if _, err := f.service.RevokeKey(context.Background(), key.KeyString, "FRAUD", nil); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("Expected ErrAlreadyRevoked, got %v", err)
	}
}

// Revocation outranks expiry: a key that is both revoked and past its expiry
// reports REVOKED
func TestValidateKeyRevokedBeatsExpired(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour)
	key := f.seedKey(t, 1, &past)

	if _, err := f.service.RevokeKey(context.Background(), key.KeyString, "FRAUD", nil); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	result, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if result.Status != VerdictRevoked {
		t.Fatalf("Expected REVOKED to outrank EXPIRED, got %+v", result)
	}
}

// Lazy expiry: validation of a key past its expires_at returns EXPIRED and
// persists the transition
func TestValidateKeyLazyExpiry(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Minute)
	key := f.seedKey(t, 1, &past)

	result, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if result.Valid || result.Status != VerdictExpired {
		t.Fatalf("Expected EXPIRED, got %+v", result)
	}

	stored, err := f.keys.FindByKeyString(context.Background(), key.KeyString)
	if err != nil {
		t.Fatalf("FindByKeyString failed: %v", err)
	}
	if stored.Status != models.KeyStatusExpired {
		t.Fatalf("Expected lazy expiry to be persisted, status is %s", stored.Status)
	}

	// Subsequent validations hit the stored status path and agree.
	again, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if again.Status != VerdictExpired {
		t.Fatalf("Expected EXPIRED on second validation, got %+v", again)
	}
}

func TestValidateKeyQuotaReached(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, 2, nil)

	for i := 0; i < 2; i++ {
		if _, err := f.service.IncrementActivation(context.Background(), key.ID); err != nil {
			t.Fatalf("IncrementActivation %d failed: %v", i, err)
		}
	}

	result, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if result.Valid || result.Status != VerdictMaxActivations {
		t.Fatalf("Expected MAX_ACTIVATIONS_REACHED, got %+v", result)
	}
	if result.ActivationsRemaining != 0 {
		t.Fatalf("Expected 0 activations remaining, got %d", result.ActivationsRemaining)
	}
}

// Concurrent activations can never breach max_activations
func TestIncrementActivationConcurrentQuota(t *testing.T) {
	f := newFixture(t)
	const maxActivations = 3
	key := f.seedKey(t, maxActivations, nil)

	const attempts = maxActivations + 5
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.IncrementActivation(context.Background(), key.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, exceeded int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrQuotaExceeded):
			exceeded++
		default:
			t.Fatalf("Unexpected activation error: %v", err)
		}
	}
	if succeeded != maxActivations {
		t.Fatalf("Expected exactly %d successful activations, got %d", maxActivations, succeeded)
	}
	if exceeded != attempts-maxActivations {
		t.Fatalf("Expected %d quota rejections, got %d", attempts-maxActivations, exceeded)
	}

	stored, err := f.keys.FindByID(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if stored.Activations != maxActivations {
		t.Fatalf("Expected %d stored activations, got %d", maxActivations, stored.Activations)
	}
	if stored.Status != models.KeyStatusActive {
		t.Fatalf("Expected ACTIVE status, got %s", stored.Status)
	}
}

func TestIncrementActivationOnRevokedKey(t *testing.T) {
	f := newFixture(t)
	key := f.seedKey(t, 5, nil)

	if _, err := f.service.RevokeKey(context.Background(), key.KeyString, "FRAUD", nil); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := f.service.IncrementActivation(context.Background(), key.ID); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("Expected ErrAlreadyRevoked, got %v", err)
	}
}

func TestStoreGeneratedKeysSkipsDuplicates(t *testing.T) {
	f := newFixture(t)
	generator := keygen.NewGenerator(f.signer)

	generated, err := generator.GenerateBatch("ABCD", 10)
	if err != nil {
		t.Fatalf("GenerateBatch failed: %v", err)
	}

	inserted, err := f.service.StoreGeneratedKeys(context.Background(), f.product.ID, generated, 1, nil)
	if err != nil {
		t.Fatalf("StoreGeneratedKeys failed: %v", err)
	}
	if inserted != 10 {
		t.Fatalf("Expected 10 inserted, got %d", inserted)
	}

	// Re-storing the same batch inserts nothing.
	inserted, err = f.service.StoreGeneratedKeys(context.Background(), f.product.ID, generated, 1, nil)
	if err != nil {
		t.Fatalf("StoreGeneratedKeys failed: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("Expected 0 inserted on duplicate batch, got %d", inserted)
	}
}

func TestStoreGeneratedKeysRejectsBadQuota(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.StoreGeneratedKeys(context.Background(), f.product.ID, nil, 0, nil); err == nil {
		t.Fatal("Expected error for non-positive max activations")
	}
}

func TestAllocateKey(t *testing.T) {
	f := newFixture(t)
	generator := keygen.NewGenerator(f.signer)

	generated, err := generator.GenerateBatch("ABCD", 1)
	if err != nil {
		t.Fatalf("GenerateBatch failed: %v", err)
	}
	if _, err := f.service.StoreGeneratedKeys(context.Background(), f.product.ID, generated, 1, nil); err != nil {
		t.Fatalf("StoreGeneratedKeys failed: %v", err)
	}

	key, err := f.service.AllocateKey(context.Background(), f.product.ID)
	if err != nil {
		t.Fatalf("AllocateKey failed: %v", err)
	}
	if key.Status != models.KeyStatusSold {
		t.Fatalf("Expected SOLD after allocation, got %s", key.Status)
	}

	// Pool of one is now empty.
	if _, err := f.service.AllocateKey(context.Background(), f.product.ID); !errors.Is(err, ErrNoAvailableKey) {
		t.Fatalf("Expected ErrNoAvailableKey, got %v", err)
	}
}

func TestValidateKeyAuditTrail(t *testing.T) {
	f := newFixture(t)
	sink := &memAuditSink{}
	writer := NewAuditWriter(sink, 50*time.Millisecond)
	f.service = NewService(f.keys, f.products, f.signer, writer)

	key := f.seedKey(t, 1, nil)
	result, err := f.service.ValidateKey(context.Background(), key.KeyString, Metadata{
		IPAddress: "203.0.113.9",
		UserAgent: "keyforge-test",
	})
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("Expected VALID, got %+v", result)
	}

	writer.Close()
	if sink.count() != 1 {
		t.Fatalf("Expected 1 audit entry after close, got %d", sink.count())
	}
	if got := sink.entries[0]; got.LicenseKeyID == nil || *got.LicenseKeyID != key.ID || got.IPAddress != "203.0.113.9" {
		t.Fatalf("Unexpected audit entry: %+v", got)
	}
}
