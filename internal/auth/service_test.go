package auth

import (
	"context"
	"testing"
	"time"

	"proxchat/internal/apperr"
	"proxchat/internal/config"
	"proxchat/internal/database"
	"proxchat/internal/models"
	"proxchat/internal/otp"
	"proxchat/internal/ratelimit"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeUsers struct {
	database.UserRepository

	byEmail map[string]*models.User
	nextID  int
	touched int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byEmail: make(map[string]*models.User), nextID: 1}
}

func (f *fakeUsers) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		ID:           f.nextID,
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
		LastActiveAt: time.Now(),
	}
	f.nextID++
	f.byEmail[u.Email] = u
	return u, nil
}

func (f *fakeUsers) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	for _, u := range f.byEmail {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeUsers) MarkUserVerified(ctx context.Context, id int) error {
	for _, u := range f.byEmail {
		if u.ID == id {
			u.IsVerified = true
		}
	}
	return nil
}

func (f *fakeUsers) TouchUserActivity(ctx context.Context, id int) error {
	f.touched++
	return nil
}

type captureMailer struct {
	codes []string
}

func (m *captureMailer) SendVerificationCode(ctx context.Context, email, code string, expiresIn time.Duration) error {
	m.codes = append(m.codes, code)
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}

func testService(db database.UserRepository, mailer Mailer, limiter ratelimit.Limiter) *Service {
	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: []byte("jwt-test-secret"), ExpiresIn: time.Hour},
		OTP: config.OTPConfig{Secret: []byte("otp-test-secret"), Expiry: 10 * time.Minute, Digits: 6},
	}
	otpSvc := otp.NewService(cfg.OTP.Secret, cfg.OTP.Expiry, cfg.OTP.Digits)
	return NewService(db, cfg, otpSvc, mailer, limiter)
}

func TestRegisterValidation(t *testing.T) {
	s := testService(newFakeUsers(), &captureMailer{}, ratelimit.NoopLimiter{})

	tests := []struct {
		name string
		req  models.RegisterRequest
	}{
		{"missing fields", models.RegisterRequest{Username: "alice"}},
		{"short username", models.RegisterRequest{Username: "al", Email: "a@b.co", Password: "secret1"}},
		{"bad username chars", models.RegisterRequest{Username: "al ice!", Email: "a@b.co", Password: "secret1"}},
		{"bad email", models.RegisterRequest{Username: "alice", Email: "not-an-email", Password: "secret1"}},
		{"short password", models.RegisterRequest{Username: "alice", Email: "a@b.co", Password: "12345"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(context.Background(), &tt.req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestRegisterVerifyLoginFlow(t *testing.T) {
	db := newFakeUsers()
	mailer := &captureMailer{}
	s := testService(db, mailer, ratelimit.NoopLimiter{})

	user, err := s.Register(context.Background(), &models.RegisterRequest{
		Username: "Alice_01", Email: "Alice@Example.com", Password: "secret1",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice_01", user.Username, "username should be lowercased")
	assert.Equal(t, "alice@example.com", user.Email)
	assert.False(t, user.IsVerified)
	require.Len(t, mailer.codes, 1, "registration should send a code")

	// Login before verification is refused.
	_, err = s.Login(context.Background(), &models.LoginRequest{Email: "alice@example.com", Password: "secret1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	// Wrong code is refused.
	_, err = s.VerifyEmail(context.Background(), &models.VerifyEmailRequest{Email: "alice@example.com", Code: "000000"})
	if err == nil {
		t.Skip("probe code collided with the real one")
	}
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	// The mailed code verifies and logs the user in.
	resp, err := s.VerifyEmail(context.Background(), &models.VerifyEmailRequest{Email: "alice@example.com", Code: mailer.codes[0]})
	require.NoError(t, err)
	assert.True(t, resp.User.IsVerified)
	assert.NotEmpty(t, resp.Token)
	assert.Empty(t, resp.User.PasswordHash)

	// Ordinary login now works and the token resolves back to the user.
	resp, err = s.Login(context.Background(), &models.LoginRequest{Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)

	got, err := s.GetUserFromToken(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Greater(t, db.touched, 0, "token use should stamp activity")
}

func TestLoginWrongPassword(t *testing.T) {
	db := newFakeUsers()
	s := testService(db, &captureMailer{}, ratelimit.NoopLimiter{})
	_, err := s.Register(context.Background(), &models.RegisterRequest{
		Username: "alice", Email: "a@b.co", Password: "secret1",
	})
	require.NoError(t, err)
	db.byEmail["a@b.co"].IsVerified = true

	_, err = s.Login(context.Background(), &models.LoginRequest{Email: "a@b.co", Password: "wrong"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s := testService(newFakeUsers(), &captureMailer{}, ratelimit.NoopLimiter{})
	req := models.RegisterRequest{Username: "alice", Email: "a@b.co", Password: "secret1"}
	_, err := s.Register(context.Background(), &req)
	require.NoError(t, err)

	dup := models.RegisterRequest{Username: "bob", Email: "a@b.co", Password: "secret2"}
	_, err = s.Register(context.Background(), &dup)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestResendCode(t *testing.T) {
	db := newFakeUsers()
	mailer := &captureMailer{}
	s := testService(db, mailer, ratelimit.NoopLimiter{})
	_, err := s.Register(context.Background(), &models.RegisterRequest{
		Username: "alice", Email: "a@b.co", Password: "secret1",
	})
	require.NoError(t, err)

	require.NoError(t, s.ResendCode(context.Background(), "a@b.co"))
	assert.Len(t, mailer.codes, 2)

	// Already-verified accounts have nothing to resend.
	db.byEmail["a@b.co"].IsVerified = true
	err = s.ResendCode(context.Background(), "a@b.co")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestResendCodeRateLimited(t *testing.T) {
	db := newFakeUsers()
	mailer := &captureMailer{}
	s := testService(db, mailer, ratelimit.NoopLimiter{})
	_, err := s.Register(context.Background(), &models.RegisterRequest{
		Username: "alice", Email: "a@b.co", Password: "secret1",
	})
	require.NoError(t, err)
	sent := len(mailer.codes)

	s.limiter = denyLimiter{}
	err = s.ResendCode(context.Background(), "a@b.co")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Len(t, mailer.codes, sent, "no code should be sent when limited")
}

func TestGetUserFromTokenRejectsGarbage(t *testing.T) {
	s := testService(newFakeUsers(), &captureMailer{}, ratelimit.NoopLimiter{})

	_, err := s.GetUserFromToken(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}
