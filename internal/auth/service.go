package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidCreds = errors.New("invalid credentials")

	jwtSecretOnce    sync.Once
	jwtSecretRuntime []byte
	jwtSecretErr     error
)

func jwtSecretFromEnv() ([]byte, error) {
	jwtSecretOnce.Do(func() {
		secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
		if secret != "" {
			jwtSecretRuntime = []byte(secret)
			return
		}

		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			jwtSecretErr = fmt.Errorf("failed to generate JWT fallback secret: %w", err)
			return
		}

		jwtSecretRuntime = []byte(base64.RawURLEncoding.EncodeToString(buf))
		log.Print("JWT_SECRET is not set; using ephemeral in-memory fallback secret")
	})

	if jwtSecretErr != nil {
		return nil, jwtSecretErr
	}
	if len(jwtSecretRuntime) == 0 {
		return nil, errors.New("JWT secret unavailable")
	}

	return jwtSecretRuntime, nil
}

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

func (s *Service) Signup(ctx context.Context, req SignupRequest) (*AuthResponse, error) {
	var exists bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)", req.Email).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing failed: %w", err)
	}

	var user User
	err = s.db.QueryRow(ctx, `
		INSERT INTO users (email, password_hash)
		VALUES ($1, $2)
		RETURNING id, email, is_admin, created_at
	`, req.Email, string(hash)).Scan(&user.ID, &user.Email, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert failed: %w", err)
	}

	token, err := generateToken(user.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{Token: token, User: user}, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var user User
	err := s.db.QueryRow(ctx, "SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email = $1", req.Email).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrInvalidCreds
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCreds
	}

	token, err := generateToken(user.ID)
	if err != nil {
		return nil, err
	}

	user.PasswordHash = ""
	return &AuthResponse{Token: token, User: user}, nil
}

// IsAdmin reports whether the user carries the admin flag.
func (s *Service) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	var isAdmin bool
	err := s.db.QueryRow(ctx, "SELECT is_admin FROM users WHERE id = $1", userID).Scan(&isAdmin)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return isAdmin, err
}

func generateToken(userID uuid.UUID) (string, error) {
	secretKey, err := jwtSecretFromEnv()
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secretKey)
}

// Saved AAPs

// SavedAAP is the lightweight listing row for a user's bookmarks.
type SavedAAP struct {
	ID         uuid.UUID  `json:"id"`
	Titre      string     `json:"titre"`
	Organisme  string     `json:"organisme"`
	URLSource  string     `json:"url_source"`
	DateLimite *time.Time `json:"date_limite,omitempty"`
	Statut     string     `json:"statut"`
	SavedAt    time.Time  `json:"saved_at"`
}

func (s *Service) SaveAAP(ctx context.Context, userID, aapID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO saved_aaps (user_id, aap_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, aap_id) DO NOTHING
	`, userID, aapID)
	return err
}

func (s *Service) UnsaveAAP(ctx context.Context, userID, aapID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM saved_aaps
		WHERE user_id = $1 AND aap_id = $2
	`, userID, aapID)
	return err
}

func (s *Service) GetSavedAAPs(ctx context.Context, userID uuid.UUID) ([]SavedAAP, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.id, a.titre, a.organisme, a.url_source, a.date_limite, a.statut, sa.created_at
		FROM aaps a
		JOIN saved_aaps sa ON a.id = sa.aap_id
		WHERE sa.user_id = $1
		ORDER BY sa.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	saved := []SavedAAP{}
	for rows.Next() {
		var sa SavedAAP
		if err := rows.Scan(&sa.ID, &sa.Titre, &sa.Organisme, &sa.URLSource, &sa.DateLimite, &sa.Statut, &sa.SavedAt); err != nil {
			return nil, err
		}
		saved = append(saved, sa)
	}
	return saved, rows.Err()
}
