// Copyright 2025 Knowledgecore Project
//
// Package trust implements device keypairs, identity sessions, device
// certificates, and the trust chain that authors sync heads. Hash and
// signature inputs use domain-separated constants throughout so no two
// derivations can collide.
package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// Querier is the minimal dbstore surface trust needs; *dbstore.DB
// satisfies it structurally (same cycle-avoidance technique as
// eventlog.Querier and objectstore.Index).
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the trust component's entry point for one vault.
type Store struct {
	db     Querier
	keyDir string // directory private device keys are persisted under
}

// NewStore returns a Store backed by db, persisting private device keys
// under keyDir (typically "<vault root>/.trust").
func NewStore(db Querier, keyDir string) *Store {
	return &Store{db: db, keyDir: keyDir}
}

// ---------------------------------------------------------------------
// Device
// ---------------------------------------------------------------------

// Device is one row of trusted_devices.
type Device struct {
	DeviceID     string
	Label        string
	PublicKeyHex string
	Fingerprint  string
	CreatedAtMs  int64
	VerifiedAtMs *int64
}

// fingerprintOf formats SHA-256(pubkey) as lowercase hex split into 8
// groups of 8 hex digits separated by ':'.
func fingerprintOf(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	hexStr := hex.EncodeToString(sum[:])
	groups := make([]string, 0, 8)
	for i := 0; i < len(hexStr); i += 8 {
		groups = append(groups, hexStr[i:i+8])
	}
	return strings.Join(groups, ":")
}

// DeviceInit implements trust_device_init(label, actor, now_ms):
// samples a 32-byte seed, derives an Ed25519 keypair, and stores the
// public key plus its fingerprint.
func (s *Store) DeviceInit(ctx context.Context, label, actor string, nowMs int64) (*Device, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to sample device key seed", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	deviceID := uuid.New().String()
	fingerprint := fingerprintOf(pub)

	if err := s.savePrivateKey(deviceID, priv); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trusted_devices (device_id, label, public_key, fingerprint, created_at_ms, verified_at_ms)
		VALUES (?, ?, ?, ?, ?, NULL)`,
		deviceID, label, hex.EncodeToString(pub), fingerprint, nowMs)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to insert trusted_devices row", err)
	}
	if err := s.recordTrustEvent(ctx, deviceID, "device_init", actor, nowMs); err != nil {
		return nil, err
	}

	return &Device{
		DeviceID: deviceID, Label: label, PublicKeyHex: hex.EncodeToString(pub),
		Fingerprint: fingerprint, CreatedAtMs: nowMs,
	}, nil
}

// DeviceVerify implements trust_device_verify(device_id, fingerprint,
// actor, now_ms): the supplied fingerprint must exactly match the
// stored one.
func (s *Store) DeviceVerify(ctx context.Context, deviceID, fingerprint, actor string, nowMs int64) (*Device, error) {
	dev, err := s.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.Fingerprint != fingerprint {
		return nil, kcerr.New(kcerr.CodeTrustFingerprintMismatch, kcerr.CategoryTrust,
			"supplied fingerprint does not match the device's stored fingerprint")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE trusted_devices SET verified_at_ms = ? WHERE device_id = ?`, nowMs, deviceID)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to record device verification", err)
	}
	if err := s.recordTrustEvent(ctx, deviceID, "device_verify", actor, nowMs); err != nil {
		return nil, err
	}
	dev.VerifiedAtMs = &nowMs
	return dev, nil
}

func (s *Store) getDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	var verifiedAtMs sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, label, public_key, fingerprint, created_at_ms, verified_at_ms
		FROM trusted_devices WHERE device_id = ?`, deviceID).
		Scan(&d.DeviceID, &d.Label, &d.PublicKeyHex, &d.Fingerprint, &d.CreatedAtMs, &verifiedAtMs)
	if err == sql.ErrNoRows {
		return nil, kcerr.New(kcerr.CodeTrustIdentityInvalid, kcerr.CategoryTrust, "device not found")
	}
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust, "failed to read device", err)
	}
	if verifiedAtMs.Valid {
		d.VerifiedAtMs = &verifiedAtMs.Int64
	}
	return &d, nil
}

// ListDevices returns every trusted device, oldest first.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, label, public_key, fingerprint, created_at_ms, verified_at_ms
		FROM trusted_devices ORDER BY created_at_ms, device_id`)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust, "failed to list devices", err)
	}
	defer rows.Close()
	var devices []Device
	for rows.Next() {
		var d Device
		var verifiedAtMs sql.NullInt64
		if err := rows.Scan(&d.DeviceID, &d.Label, &d.PublicKeyHex, &d.Fingerprint, &d.CreatedAtMs, &verifiedAtMs); err != nil {
			return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust, "failed to scan device row", err)
		}
		if verifiedAtMs.Valid {
			d.VerifiedAtMs = &verifiedAtMs.Int64
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust, "error iterating device rows", err)
	}
	return devices, nil
}

func (s *Store) recordTrustEvent(ctx context.Context, deviceID, kind, actor string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_events (trust_event_id, device_id, kind, actor, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), deviceID, kind, actor, nowMs)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeTrustEventWriteFailed, kcerr.CategoryTrust,
			"failed to record trust event", err)
	}
	return nil
}

// savePrivateKey persists priv under keyDir/<deviceID>.key, mode 0600,
// using the same write-temp-then-rename discipline as
// objectstore.writeFileAtomic so a crash mid-write never leaves a
// partial key file.
func (s *Store) savePrivateKey(deviceID string, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(s.keyDir, 0o700); err != nil {
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to create trust key directory", err)
	}
	path := filepath.Join(s.keyDir, deviceID+".key")
	tmp, err := os.CreateTemp(s.keyDir, ".tmp-*")
	if err != nil {
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to create temp device key file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(priv); err != nil {
		tmp.Close()
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to write device key", err)
	}
	if err := tmp.Close(); err != nil {
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to close device key temp file", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to set device key permissions", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to rename device key into place", err)
	}
	return nil
}

func (s *Store) loadPrivateKey(deviceID string) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(filepath.Join(s.keyDir, deviceID+".key"))
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to read device private key", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, kcerr.New(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"device private key file has the wrong size")
	}
	return ed25519.PrivateKey(b), nil
}

// Sign signs message with deviceID's private key, for authoring a sync
// v3 head.
func (s *Store) Sign(deviceID string, message []byte) (string, error) {
	priv, err := s.loadPrivateKey(deviceID)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, message)
	return hex.EncodeToString(sig), nil
}

// ---------------------------------------------------------------------
// Identity provider & session
// ---------------------------------------------------------------------

// Provider is one resolved trust_providers row.
type Provider struct {
	ProviderID string
	Slug       string
	Issuer     string
	Disabled   bool
}

// resolveProvider implements provider_ref resolution
// describes: an issuer URL triggers "discovery" (here: find-or-create
// by issuer); a bare slug auto-creates a provider row with defaults.
func (s *Store) resolveProvider(ctx context.Context, providerRef string) (*Provider, error) {
	isIssuer := strings.HasPrefix(providerRef, "http://") || strings.HasPrefix(providerRef, "https://")

	var (
		row                                  *sql.Row
		providerID, slug, issuer             string
		disabled                             int
	)
	if isIssuer {
		row = s.db.QueryRowContext(ctx, `SELECT provider_id, slug, issuer, disabled FROM trust_providers WHERE issuer = ?`, providerRef)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT provider_id, slug, issuer, disabled FROM trust_providers WHERE slug = ?`, providerRef)
	}
	err := row.Scan(&providerID, &slug, &issuer, &disabled)
	if err == nil {
		return &Provider{ProviderID: providerID, Slug: slug, Issuer: issuer, Disabled: disabled != 0}, nil
	}
	if err != sql.ErrNoRows {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust, "failed to look up trust provider", err)
	}

	// Auto-create with defaults.
	providerID = uuid.New().String()
	if isIssuer {
		slug = providerRef
		issuer = providerRef
	} else {
		slug = providerRef
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_providers (provider_id, slug, issuer, disabled, config_json)
		VALUES (?, ?, ?, 0, '{}')`, providerID, slug, issuer)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to auto-create trust provider", err)
	}
	return &Provider{ProviderID: providerID, Slug: slug, Issuer: issuer, Disabled: false}, nil
}

// IdentitySession is one identity_sessions row.
type IdentitySession struct {
	SessionID    string
	ProviderID   string
	Subject      string
	ClaimsJSON   string
	CreatedAtMs  int64
	ExpiresAtMs  int64
	RevokedAtMs  *int64
}

// IdentityStart implements trust_identity_start(provider_ref, now_ms).
func (s *Store) IdentityStart(ctx context.Context, providerRef string, nowMs int64) (state, authorizationURL string, err error) {
	p, err := s.resolveProvider(ctx, providerRef)
	if err != nil {
		return "", "", err
	}
	if p.Disabled {
		return "", "", kcerr.New(kcerr.CodeTrustProviderDisabled, kcerr.CategoryTrust,
			"identity provider is disabled")
	}

	material := fmt.Sprintf("kc.trust.oidc.state.v1\n%s\n%s\n%d", p.ProviderID, p.Issuer, nowMs)
	state = canon.Blake3HexPrefixed([]byte(material))

	base := p.Issuer
	if base == "" {
		base = "https://auth.local/" + p.Slug
	}
	authorizationURL = fmt.Sprintf("%s/authorize?state=%s", base, state)
	return state, authorizationURL, nil
}

// IdentityComplete implements trust_identity_complete(provider_ref,
// code, now_ms). code is either "sub:<subject>" or
// "sub:<subject>;iat:<issued_at_ms>" (the latter lets provider policies
// enforce max_clock_skew_ms); any other form hashes deterministically
// to a subject.
func (s *Store) IdentityComplete(ctx context.Context, providerRef, code string, nowMs int64) (*IdentitySession, error) {
	p, err := s.resolveProvider(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	if p.Disabled {
		return nil, kcerr.New(kcerr.CodeTrustProviderDisabled, kcerr.CategoryTrust,
			"identity provider is disabled")
	}

	subject, issuedAtMs, hasIssuedAt := parseCode(code)
	if subject == "" {
		material := fmt.Sprintf("kc.trust.oidc.subject.v1\n%s\n%s", p.ProviderID, code)
		subject = canon.Blake3HexPrefixed([]byte(material))
	}

	policy, err := s.providerPolicy(ctx, p.ProviderID)
	if err != nil {
		return nil, err
	}
	claims := map[string]any{"sub": subject}
	if policy != nil {
		for claim, want := range policy.requiredClaims {
			got, _ := claims[claim].(string)
			if got != want {
				return nil, kcerr.New(kcerr.CodeTrustProviderPolicyInvalid, kcerr.CategoryTrust,
					fmt.Sprintf("required claim %q not satisfied", claim))
			}
		}
		if hasIssuedAt && policy.maxClockSkewMs > 0 {
			skew := nowMs - issuedAtMs
			if skew < 0 {
				skew = -skew
			}
			if skew > policy.maxClockSkewMs {
				return nil, kcerr.New(kcerr.CodeTrustProviderPolicyInvalid, kcerr.CategoryTrust,
					"identity assertion is outside the provider's max_clock_skew_ms")
			}
		}
	}

	claimsJSON, err := canon.MarshalCanonical(claims)
	if err != nil {
		return nil, err
	}

	sess := &IdentitySession{
		SessionID:   uuid.New().String(),
		ProviderID:  p.ProviderID,
		Subject:     subject,
		ClaimsJSON:  string(claimsJSON),
		CreatedAtMs: nowMs,
		ExpiresAtMs: nowMs + 3_600_000,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identity_sessions (session_id, provider_id, subject, claims_json, created_at_ms, expires_at_ms, revoked_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		sess.SessionID, sess.ProviderID, sess.Subject, sess.ClaimsJSON, sess.CreatedAtMs, sess.ExpiresAtMs)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to insert identity_sessions row", err)
	}
	return sess, nil
}

func parseCode(code string) (subject string, issuedAtMs int64, hasIssuedAt bool) {
	if !strings.HasPrefix(code, "sub:") {
		return "", 0, false
	}
	rest := code[len("sub:"):]
	parts := strings.SplitN(rest, ";iat:", 2)
	subject = parts[0]
	if len(parts) == 2 {
		var iat int64
		if _, err := fmt.Sscanf(parts[1], "%d", &iat); err == nil {
			return subject, iat, true
		}
	}
	return subject, 0, false
}

type providerPolicyRow struct {
	requiredClaims map[string]string
	maxClockSkewMs int64
}

func (s *Store) providerPolicy(ctx context.Context, providerID string) (*providerPolicyRow, error) {
	var requiredClaimsJSON string
	var maxSkew int64
	err := s.db.QueryRowContext(ctx,
		`SELECT required_claims_json, max_clock_skew_ms FROM trust_provider_policies WHERE provider_id = ?`,
		providerID).Scan(&requiredClaimsJSON, &maxSkew)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to read trust provider policy", err)
	}
	claims, err := decodeStringMap(requiredClaimsJSON)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustProviderPolicyInvalid, kcerr.CategoryTrust,
			"failed to decode provider policy required_claims_json", err)
	}
	return &providerPolicyRow{requiredClaims: claims, maxClockSkewMs: maxSkew}, nil
}

// SetProviderPolicy writes (or replaces) the provider policy row.
func (s *Store) SetProviderPolicy(ctx context.Context, providerID string, requiredClaims map[string]string, maxClockSkewMs int64) error {
	b, err := canon.MarshalCanonical(requiredClaims)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_provider_policies (provider_id, required_claims_json, max_clock_skew_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			required_claims_json = excluded.required_claims_json,
			max_clock_skew_ms = excluded.max_clock_skew_ms`,
		providerID, string(b), maxClockSkewMs)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to write provider policy", err)
	}
	return nil
}

// SessionRevoke implements trust_session_revoke(session_id, now_ms,
// reason).
func (s *Store) SessionRevoke(ctx context.Context, sessionID, reason string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE identity_sessions SET revoked_at_ms = ? WHERE session_id = ?`, nowMs, sessionID)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to revoke identity session", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_session_revocations (session_id, revoked_at_ms, reason)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET revoked_at_ms = excluded.revoked_at_ms, reason = excluded.reason`,
		sessionID, nowMs, reason)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to record session revocation", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Device certificate
// ---------------------------------------------------------------------

// DeviceCertificate is one device_certificates row.
type DeviceCertificate struct {
	CertID        string
	DeviceID      string
	SessionID     string
	ProviderID    string
	CertChainHash string
	CreatedAtMs   int64
	VerifiedAtMs  *int64
}

func certChainHash(certID, deviceID, fingerprint string) string {
	material := fmt.Sprintf("kc.trust.cert.chain.v1\n%s\n%s\n%s", certID, deviceID, fingerprint)
	return canon.Blake3HexPrefixed([]byte(material))
}

// DeviceEnroll implements trust_device_enroll(provider_id, device_id,
// now_ms): requires the device to be verified, picks the most recent
// non-revoked session for the provider, and stores a certificate row.
func (s *Store) DeviceEnroll(ctx context.Context, providerID, deviceID string, nowMs int64) (*DeviceCertificate, error) {
	dev, err := s.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.VerifiedAtMs == nil {
		return nil, kcerr.New(kcerr.CodeTrustDeviceNotEnrolled, kcerr.CategoryTrust,
			"device must be fingerprint-verified before enrollment")
	}

	var sessionID string
	err = s.db.QueryRowContext(ctx, `
		SELECT session_id FROM identity_sessions
		WHERE provider_id = ? AND revoked_at_ms IS NULL
		ORDER BY created_at_ms DESC LIMIT 1`, providerID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return nil, kcerr.New(kcerr.CodeTrustIdentityInvalid, kcerr.CategoryTrust,
			"no non-revoked identity session for provider")
	}
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to select identity session for enrollment", err)
	}

	certID := uuid.New().String()
	chainHash := certChainHash(certID, deviceID, dev.Fingerprint)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_certificates (cert_id, device_id, session_id, provider_id, cert_chain_hash, created_at_ms, verified_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		certID, deviceID, sessionID, providerID, chainHash, nowMs)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to insert device_certificates row", err)
	}

	return &DeviceCertificate{
		CertID: certID, DeviceID: deviceID, SessionID: sessionID, ProviderID: providerID,
		CertChainHash: chainHash, CreatedAtMs: nowMs,
	}, nil
}

// DeviceVerifyChain implements trust_device_verify_chain(cert_id,
// now_ms): recomputes cert_chain_hash and must match exactly.
func (s *Store) DeviceVerifyChain(ctx context.Context, certID string, nowMs int64) (*DeviceCertificate, error) {
	var c DeviceCertificate
	var verifiedAtMs sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT cert_id, device_id, session_id, provider_id, cert_chain_hash, created_at_ms, verified_at_ms
		FROM device_certificates WHERE cert_id = ?`, certID).
		Scan(&c.CertID, &c.DeviceID, &c.SessionID, &c.ProviderID, &c.CertChainHash, &c.CreatedAtMs, &verifiedAtMs)
	if err == sql.ErrNoRows {
		return nil, kcerr.New(kcerr.CodeTrustCertChainInvalid, kcerr.CategoryTrust, "device certificate not found")
	}
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to read device certificate", err)
	}

	dev, err := s.getDevice(ctx, c.DeviceID)
	if err != nil {
		return nil, err
	}
	want := certChainHash(c.CertID, c.DeviceID, dev.Fingerprint)
	if want != c.CertChainHash {
		return nil, kcerr.New(kcerr.CodeTrustCertChainInvalid, kcerr.CategoryTrust,
			"recomputed cert_chain_hash does not match the stored value")
	}

	_, err = s.db.ExecContext(ctx, `UPDATE device_certificates SET verified_at_ms = ? WHERE cert_id = ?`, nowMs, certID)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
			"failed to record certificate verification", err)
	}
	if verifiedAtMs.Valid {
		c.VerifiedAtMs = &verifiedAtMs.Int64
	}
	c.VerifiedAtMs = &nowMs
	return &c, nil
}

// AuthoredIdentity is a doubly-verified (device + cert) identity able
// to author sync heads.
type AuthoredIdentity struct {
	DeviceID      string
	Fingerprint   string
	CertID        string
	CertChainHash string
}

// VerifiedAuthorIdentity implements verified_author_identity():
// returns the earliest doubly-verified identity, ordered by
// certificate creation time.
func (s *Store) VerifiedAuthorIdentity(ctx context.Context) (*AuthoredIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.cert_id, c.device_id, c.cert_chain_hash, d.fingerprint
		FROM device_certificates c
		JOIN trusted_devices d ON d.device_id = c.device_id
		WHERE c.verified_at_ms IS NOT NULL AND d.verified_at_ms IS NOT NULL
		ORDER BY c.created_at_ms ASC LIMIT 1`)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to query verified author identity", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, kcerr.New(kcerr.CodeTrustIdentityInvalid, kcerr.CategoryTrust,
			"no doubly-verified device identity is available to author a sync head")
	}
	var id AuthoredIdentity
	if err := rows.Scan(&id.CertID, &id.DeviceID, &id.CertChainHash, &id.Fingerprint); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to scan verified author identity", err)
	}
	return &id, nil
}

func decodeStringMap(jsonText string) (map[string]string, error) {
	if jsonText == "" || jsonText == "{}" {
		return map[string]string{}, nil
	}
	var tree map[string]any
	if err := json.Unmarshal([]byte(jsonText), &tree); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(tree))
	for k, v := range tree {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}
