package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"proxchat/internal/apperr"
	"proxchat/internal/config"
	"proxchat/internal/database"
	"proxchat/internal/models"
	"proxchat/internal/otp"
	"proxchat/internal/ratelimit"
	"proxchat/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	otpPurposeVerify = "verify"

	// Codes per identity within one OTP expiry window.
	otpIssueLimit = 3
)

// Mailer delivers a verification code to the user. Actual transport
// (SMTP, API relay) lives outside this service.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, code string, expiresIn time.Duration) error
}

// LogMailer writes codes to the log instead of sending mail. Useful in
// development and tests.
type LogMailer struct{}

func (LogMailer) SendVerificationCode(ctx context.Context, email, code string, expiresIn time.Duration) error {
	logger.Info("Verification code for %s: %s (valid %s)", email, code, expiresIn)
	return nil
}

type Service struct {
	db      database.UserRepository
	cfg     *config.Config
	otp     *otp.Service
	mailer  Mailer
	limiter ratelimit.Limiter
}

func NewService(db database.UserRepository, cfg *config.Config, otpSvc *otp.Service, mailer Mailer, limiter ratelimit.Limiter) *Service {
	return &Service{db: db, cfg: cfg, otp: otpSvc, mailer: mailer, limiter: limiter}
}

// Register creates an unverified account and sends it a verification
// code. The account stays unusable (and sweep-eligible) until the code
// is confirmed.
func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	if err := validateRegistrationRequest(req); err != nil {
		return nil, err
	}

	if _, err := s.db.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, apperr.Validation("an account with this email already exists")
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Transient("failed to check email", err)
	}

	user, err := s.db.CreateUser(ctx, req)
	if err != nil {
		return nil, apperr.Transient("failed to create user", err)
	}

	if err := s.issueCode(ctx, user.Email); err != nil {
		// The account exists; the user can ask for a resend.
		logger.Error("Failed to send verification code to %s: %v", user.Email, err)
	}

	return user, nil
}

// VerifyEmail confirms a code and, on success, marks the account
// verified and logs it in.
func (s *Service) VerifyEmail(ctx context.Context, req *models.VerifyEmailRequest) (*models.LoginResponse, error) {
	user, err := s.db.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Transient("failed to load user", err)
	}

	if !user.IsVerified {
		res := s.otp.Verify(user.Email, req.Code, otpPurposeVerify)
		if !res.Valid {
			return nil, apperr.Unauthorized(res.Reason)
		}
		if err := s.db.MarkUserVerified(ctx, user.ID); err != nil {
			return nil, apperr.Transient("failed to mark user verified", err)
		}
		user.IsVerified = true
	}

	token, err := s.generateToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	user.PasswordHash = ""
	return &models.LoginResponse{Token: token, User: *user}, nil
}

// ResendCode issues a fresh verification code, rate limited per
// identity.
func (s *Service) ResendCode(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("user not found")
		}
		return apperr.Transient("failed to load user", err)
	}
	if user.IsVerified {
		return apperr.Validation("account is already verified")
	}
	return s.issueCode(ctx, user.Email)
}

func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error) {
	user, err := s.db.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		return nil, apperr.Unauthorized("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthorized("invalid credentials")
	}

	if !user.IsVerified {
		return nil, apperr.Unauthorized("email not verified")
	}

	token, err := s.generateToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	if err := s.db.TouchUserActivity(ctx, user.ID); err != nil {
		logger.Warn("activity stamp failed for user %d: %v", user.ID, err)
	}

	user.PasswordHash = ""
	return &models.LoginResponse{Token: token, User: *user}, nil
}

func (s *Service) ValidateToken(tokenString string) (*jwt.MapClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.cfg.JWT.Secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// GetUserFromToken resolves the token's user and stamps their
// activity, which is what keeps a live account out of the inactive
// sweep.
func (s *Service) GetUserFromToken(ctx context.Context, tokenString string) (*models.User, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, apperr.Unauthorized("invalid token")
	}

	userIDFloat, ok := (*claims)["user_id"].(float64)
	if !ok {
		return nil, apperr.Unauthorized("invalid user ID in token")
	}

	user, err := s.db.GetUserByID(ctx, int(userIDFloat))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Unauthorized("account no longer exists")
		}
		return nil, apperr.Transient("failed to load user", err)
	}

	if err := s.db.TouchUserActivity(ctx, user.ID); err != nil {
		logger.Warn("activity stamp failed for user %d: %v", user.ID, err)
	}

	return user, nil
}

func (s *Service) issueCode(ctx context.Context, email string) error {
	allowed, err := s.limiter.Allow(ctx, "otp:"+email, otpIssueLimit, s.cfg.OTP.Expiry)
	if err != nil {
		logger.Warn("rate limiter unavailable for %s, allowing: %v", email, err)
	} else if !allowed {
		return apperr.Validation("too many code requests, try again later")
	}

	code := s.otp.Generate(email, otpPurposeVerify)
	return s.mailer.SendVerificationCode(ctx, email, code, s.otp.ExpiresIn())
}

func (s *Service) generateToken(user *models.User) (string, error) {
	claims := jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"email":    user.Email,
		"exp":      time.Now().Add(s.cfg.JWT.ExpiresIn).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.JWT.Secret)
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	usernameRegex = regexp.MustCompile(`^[a-z0-9_]+$`)
)

func validateRegistrationRequest(req *models.RegisterRequest) error {
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if req.Username == "" || req.Email == "" || req.Password == "" {
		return apperr.Validation("missing required fields")
	}
	if len(req.Username) < 3 || len(req.Username) > 30 {
		return apperr.Validation("username must be 3-30 characters long")
	}
	if !usernameRegex.MatchString(req.Username) {
		return apperr.Validation("username can only contain lowercase letters, numbers, and underscores")
	}
	if !emailRegex.MatchString(req.Email) {
		return apperr.Validation("invalid email format")
	}
	if len(req.Password) < 6 {
		return apperr.Validation("password must be at least 6 characters long")
	}
	return nil
}
