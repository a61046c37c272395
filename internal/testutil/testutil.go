// Package testutil provides shared fixtures for package tests: migrated sqlite
// databases, miniredis-backed clients, seeded users and signed tokens.
package testutil

import (
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"closer/internal/database"
	"closer/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Test token settings shared by server tests.
const (
	JWTSecret   = "test-secret-that-is-at-least-32-characters"
	JWTIssuer   = "closer-api"
	JWTAudience = "closer-client"
)

var userSeq atomic.Int64

// NewTestDB opens a private in-memory sqlite database with every table migrated.
// The pool is pinned to one connection because each sqlite :memory: connection
// is its own database.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// NewTestRedis starts a miniredis server and returns it with a connected client.
func NewTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// CreateUser inserts a user with fake profile fields. The username is prefixed so
// tests can refer to it in mentions.
func CreateUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	if username == "" {
		username = strings.ToLower(gofakeit.Username()) + strconv.FormatInt(userSeq.Add(1), 10)
	}
	u := &models.User{
		Username: username,
		Email:    username + "@" + gofakeit.DomainName(),
		Password: "x",
		FullName: gofakeit.Name(),
		Avatar:   gofakeit.URL(),
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// CreatePost inserts a post with one photo owned by ownerID.
func CreatePost(t *testing.T, db *gorm.DB, ownerID uint) *models.Post {
	t.Helper()
	p := &models.Post{
		UserID:  ownerID,
		Caption: gofakeit.Sentence(6),
		Media:   []models.PostMedia{{URL: gofakeit.URL(), Kind: "photo"}},
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create post: %v", err)
	}
	return p
}

// Token signs an access token for userID the way the auth service issues them.
func Token(t *testing.T, userID uint) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"iss": JWTIssuer,
		"aud": JWTAudience,
		"jti": gofakeit.UUID(),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
