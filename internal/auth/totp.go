package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"authcore.io/internal/notify"
	"authcore.io/internal/ratelimit"
)

const (
	backupCodeCount   = 10
	smsCodeDigits     = 6
	smsCodeTTL        = 5 * time.Minute
	totpValidateSkew  = 1 // accept one 30s step either side
	totpPeriodSeconds = 30
)

// TOTPSetup is returned when enrolling an authenticator app.
type TOTPSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// TwoFactorStatus summarizes a user's second-factor state for the API.
type TwoFactorStatus struct {
	Enabled          bool     `json:"enabled"`
	Methods          []string `json:"methods"`
	PreferredMethod  string   `json:"preferred_method,omitempty"`
	BackupCodesLeft  int      `json:"backup_codes_remaining"`
	PhoneNumberTail  string   `json:"phone_number_tail,omitempty"`
}

func (c *TwoFactorConfig) methods() []string {
	var out []string
	if c.TOTPEnabled {
		out = append(out, MethodTOTP)
	}
	if c.SMSEnabled {
		out = append(out, MethodSMS)
	}
	if len(c.BackupCodes) > 0 {
		out = append(out, MethodBackup)
	}
	return out
}

// SetupTOTP generates a new TOTP secret and provisioning URI. The factor is
// not active until ConfirmTOTP succeeds with a code from the app.
func (s *Service) SetupTOTP(ctx context.Context, userID string) (*TOTPSetup, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.totpIssuer,
		AccountName: user.Email,
		Period:      totpPeriodSeconds,
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: generate totp secret: %w", err)
	}

	cfg, err := s.twoFactorConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	cfg.TOTPSecret = key.Secret()
	cfg.TOTPEnabled = false
	cfg.TOTPVerifiedAt = time.Time{}
	cfg.UpdatedAt = s.now().UTC()
	if err := s.store.TwoFactor(ctx).Save(ctx, cfg); err != nil {
		return nil, err
	}
	return &TOTPSetup{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// ConfirmTOTP verifies the first code from the authenticator app, enables
// the factor and returns freshly generated backup codes. The plaintext codes
// are shown exactly once.
func (s *Service) ConfirmTOTP(ctx context.Context, userID, code string) ([]string, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.TwoFactor(ctx).Find(ctx, userID)
	if err != nil {
		return nil, ErrTwoFactorNotSetup
	}
	if cfg.TOTPSecret == "" {
		return nil, ErrTwoFactorNotSetup
	}
	if !s.validateTOTPCode(cfg.TOTPSecret, code) {
		return nil, ErrInvalidCode
	}

	plain, hashed, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	cfg.TOTPEnabled = true
	cfg.TOTPVerifiedAt = now
	cfg.BackupCodes = hashed
	cfg.UsedBackupCodes = nil
	if cfg.PreferredMethod == "" {
		cfg.PreferredMethod = MethodTOTP
	}
	cfg.UpdatedAt = now
	if err := s.store.TwoFactor(ctx).Save(ctx, cfg); err != nil {
		return nil, err
	}
	s.record2FA(ctx, user.TenantID, user.ID, MethodTOTP, true, "")
	return plain, nil
}

// DisableTOTP turns the authenticator factor off.
func (s *Service) DisableTOTP(ctx context.Context, userID string) error {
	cfg, err := s.store.TwoFactor(ctx).Find(ctx, userID)
	if err != nil {
		return ErrTwoFactorNotSetup
	}
	cfg.TOTPEnabled = false
	cfg.TOTPSecret = ""
	cfg.TOTPVerifiedAt = time.Time{}
	if cfg.PreferredMethod == MethodTOTP {
		cfg.PreferredMethod = ""
		if cfg.SMSEnabled {
			cfg.PreferredMethod = MethodSMS
		}
	}
	if !cfg.Enabled() {
		cfg.BackupCodes = nil
		cfg.UsedBackupCodes = nil
	}
	cfg.UpdatedAt = s.now().UTC()
	return s.store.TwoFactor(ctx).Save(ctx, cfg)
}

// SetupSMS registers a phone number and sends a confirmation code to it.
func (s *Service) SetupSMS(ctx context.Context, userID, phoneNumber string) error {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return fmt.Errorf("%w: phone number is required", ErrInvalidInput)
	}
	cfg, err := s.twoFactorConfig(ctx, userID)
	if err != nil {
		return err
	}
	cfg.PhoneNumber = phoneNumber
	cfg.SMSEnabled = false
	cfg.UpdatedAt = s.now().UTC()
	if err := s.store.TwoFactor(ctx).Save(ctx, cfg); err != nil {
		return err
	}
	return s.SendSMSCode(ctx, userID)
}

// ConfirmSMS verifies the confirmation code and enables the SMS factor.
func (s *Service) ConfirmSMS(ctx context.Context, userID, code string) error {
	cfg, err := s.store.TwoFactor(ctx).Find(ctx, userID)
	if err != nil {
		return ErrTwoFactorNotSetup
	}
	if err := s.checkSMSCode(cfg, code); err != nil {
		return err
	}
	now := s.now().UTC()
	cfg.SMSEnabled = true
	cfg.SMSCodeHash = ""
	cfg.SMSCodeExpires = time.Time{}
	if cfg.PreferredMethod == "" {
		cfg.PreferredMethod = MethodSMS
	}
	if len(cfg.BackupCodes) == 0 {
		_, hashed, err := generateBackupCodes()
		if err != nil {
			return err
		}
		cfg.BackupCodes = hashed
		cfg.UsedBackupCodes = nil
	}
	cfg.UpdatedAt = now
	return s.store.TwoFactor(ctx).Save(ctx, cfg)
}

// DisableSMS turns the SMS factor off.
func (s *Service) DisableSMS(ctx context.Context, userID string) error {
	cfg, err := s.store.TwoFactor(ctx).Find(ctx, userID)
	if err != nil {
		return ErrTwoFactorNotSetup
	}
	cfg.SMSEnabled = false
	cfg.PhoneNumber = ""
	cfg.SMSCodeHash = ""
	cfg.SMSCodeExpires = time.Time{}
	if cfg.PreferredMethod == MethodSMS {
		cfg.PreferredMethod = ""
		if cfg.TOTPEnabled {
			cfg.PreferredMethod = MethodTOTP
		}
	}
	if !cfg.Enabled() {
		cfg.BackupCodes = nil
		cfg.UsedBackupCodes = nil
	}
	cfg.UpdatedAt = s.now().UTC()
	return s.store.TwoFactor(ctx).Save(ctx, cfg)
}

// SendSMSCode generates a fresh one-time code and texts it to the user's
// registered number.
func (s *Service) SendSMSCode(ctx context.Context, userID string) error {
	if !s.allow(ratelimit.ClassOTPSend, userID) {
		s.recordRateLimit(ctx, userID, "otp_send", "")
		return ErrRateLimited
	}
	cfg, err := s.store.TwoFactor(ctx).Find(ctx, userID)
	if err != nil {
		return ErrTwoFactorNotSetup
	}
	if cfg.PhoneNumber == "" {
		return ErrTwoFactorNotSetup
	}
	code, err := generateSMSCode()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	cfg.SMSCodeHash = hashCode(code)
	cfg.SMSCodeExpires = now.Add(smsCodeTTL)
	cfg.UpdatedAt = now
	if err := s.store.TwoFactor(ctx).Save(ctx, cfg); err != nil {
		return err
	}
	msg := notify.Message{
		Kind:        notify.KindSMS,
		Destination: cfg.PhoneNumber,
		Body:        fmt.Sprintf("Your %s verification code is: %s. Valid for %d minutes.", s.totpIssuer, code, int(smsCodeTTL.Minutes())),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("auth: send sms code: %w", err)
	}
	return nil
}

// Status reports the user's second-factor state.
func (s *Service) Status(ctx context.Context, userID string) (*TwoFactorStatus, error) {
	cfg, err := s.store.TwoFactor(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &TwoFactorStatus{}, nil
		}
		return nil, err
	}
	st := &TwoFactorStatus{
		Enabled:         cfg.Enabled(),
		Methods:         cfg.methods(),
		PreferredMethod: cfg.PreferredMethod,
		BackupCodesLeft: len(cfg.BackupCodes),
	}
	if n := len(cfg.PhoneNumber); n >= 4 {
		st.PhoneNumberTail = cfg.PhoneNumber[n-4:]
	}
	return st, nil
}

// verifySecondFactor checks a code against the requested method, falling
// back to preferred-then-any when the method is unspecified. Backup codes
// are single use.
func (s *Service) verifySecondFactor(ctx context.Context, userID, code, method string) (bool, string, error) {
	cfg, err := s.store.TwoFactor(ctx).Find(ctx, userID)
	if err != nil {
		return false, "", ErrTwoFactorNotSetup
	}
	if !cfg.Enabled() {
		return false, "", ErrTwoFactorNotSetup
	}
	if method == "" {
		method = cfg.PreferredMethod
	}

	switch method {
	case MethodTOTP:
		if !cfg.TOTPEnabled {
			return false, method, nil
		}
		return s.validateTOTPCode(cfg.TOTPSecret, code), method, nil
	case MethodSMS:
		if !cfg.SMSEnabled {
			return false, method, nil
		}
		if err := s.checkSMSCode(cfg, code); err != nil {
			return false, method, nil
		}
		cfg.SMSCodeHash = ""
		cfg.SMSCodeExpires = time.Time{}
		cfg.UpdatedAt = s.now().UTC()
		if err := s.store.TwoFactor(ctx).Save(ctx, cfg); err != nil {
			return false, method, err
		}
		return true, method, nil
	case MethodBackup:
		if err := s.consumeBackupCode(ctx, cfg, code); err != nil {
			return false, method, err
		}
		return true, method, nil
	default:
		// Try whatever is enabled.
		if cfg.TOTPEnabled && s.validateTOTPCode(cfg.TOTPSecret, code) {
			return true, MethodTOTP, nil
		}
		switch err := s.consumeBackupCode(ctx, cfg, code); {
		case err == nil:
			return true, MethodBackup, nil
		case errors.Is(err, ErrCodeNotFound):
			return false, method, nil
		default:
			return false, MethodBackup, err
		}
	}
}

func (s *Service) validateTOTPCode(secret, code string) bool {
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period: totpPeriodSeconds,
		Skew:   totpValidateSkew,
		Digits: otp.DigitsSix,
	})
	return err == nil && ok
}

func (s *Service) checkSMSCode(cfg *TwoFactorConfig, code string) error {
	code = strings.TrimSpace(code)
	if cfg.SMSCodeHash == "" {
		return ErrInvalidCode
	}
	if s.now().UTC().After(cfg.SMSCodeExpires) {
		return ErrCodeExpired
	}
	if hashCode(code) != cfg.SMSCodeHash {
		return ErrInvalidCode
	}
	return nil
}

// consumeBackupCode burns one backup code. A code that was already spent
// returns ErrCodeAlreadyUsed; one that was never issued returns
// ErrCodeNotFound, so a replayed code is distinguishable from a typo.
func (s *Service) consumeBackupCode(ctx context.Context, cfg *TwoFactorConfig, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ErrCodeNotFound
	}
	hashed := hashCode(code)
	for i, stored := range cfg.BackupCodes {
		if stored != hashed {
			continue
		}
		cfg.BackupCodes = append(cfg.BackupCodes[:i], cfg.BackupCodes[i+1:]...)
		cfg.UsedBackupCodes = append(cfg.UsedBackupCodes, hashed)
		cfg.UpdatedAt = s.now().UTC()
		return s.store.TwoFactor(ctx).Save(ctx, cfg)
	}
	for _, spent := range cfg.UsedBackupCodes {
		if spent == hashed {
			return ErrCodeAlreadyUsed
		}
	}
	return ErrCodeNotFound
}

func (s *Service) twoFactorConfig(ctx context.Context, userID string) (*TwoFactorConfig, error) {
	cfg, err := s.store.TwoFactor(ctx).Find(ctx, userID)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, ErrNotFound) {
		return &TwoFactorConfig{UserID: userID}, nil
	}
	return nil, err
}

func generateBackupCodes() (plain, hashed []string, err error) {
	plain = make([]string, 0, backupCodeCount)
	hashed = make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("auth: generate backup code: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(buf))
		plain = append(plain, code)
		hashed = append(hashed, hashCode(code))
	}
	return plain, hashed, nil
}

func generateSMSCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < smsCodeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("auth: generate sms code: %w", err)
	}
	return fmt.Sprintf("%0*d", smsCodeDigits, n), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
